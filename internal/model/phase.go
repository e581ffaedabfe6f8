package model

import "strings"

// Enrollment phases recognized by the tracker. Anything else is ignored.
const (
	PhaseDeviceSetup  = "DeviceSetup"
	PhaseAccountSetup = "AccountSetup"
)

const (
	RankNone    = 0
	RankDevice  = 1
	RankAccount = 2
)

var phaseRanks = map[string]int{
	strings.ToLower(PhaseDeviceSetup):  RankDevice,
	strings.ToLower(PhaseAccountSetup): RankAccount,
}

var phaseNames = map[int]string{
	RankDevice:  PhaseDeviceSetup,
	RankAccount: PhaseAccountSetup,
}

// LookupPhase returns the canonical name and rank of a recognized phase.
func LookupPhase(name string) (string, int, bool) {
	rank, ok := phaseRanks[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", RankNone, false
	}
	return phaseNames[rank], rank, true
}

package pipeline

// State enumerates the driver's pipeline stages. Transitions are strictly
// sequential; Failed is absorbing and reachable from every non-terminal
// state.
type State int

const (
	StateCheckingPreconditions State = iota
	StateCleaningRoot
	StateFetchingSources
	StateExtractingSources
	StateBuilding
	StateGeneratingInitramfs
	StateValidating
	StatePackaging
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateCheckingPreconditions: "checking-preconditions",
	StateCleaningRoot:          "cleaning-root",
	StateFetchingSources:       "fetching-sources",
	StateExtractingSources:     "extracting-sources",
	StateBuilding:              "building",
	StateGeneratingInitramfs:   "generating-initramfs",
	StateValidating:            "validating",
	StatePackaging:             "packaging",
	StateDone:                  "done",
	StateFailed:                "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

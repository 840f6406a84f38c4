package models

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusProcessing TransactionStatus = "PROCESSING"
	StatusSuccess    TransactionStatus = "SUCCESS"
	StatusFailed     TransactionStatus = "FAILED"
	StatusCancelled  TransactionStatus = "CANCELLED"
	StatusReversed   TransactionStatus = "REVERSED"
)

// Immediate transfers collapse PENDING and PROCESSING into one unit, so
// PENDING may move straight to SUCCESS or FAILED.
var transitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:    {StatusProcessing, StatusSuccess, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusSuccess, StatusFailed},
	StatusSuccess:    {StatusReversed},
}

func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusReversed:
		return true
	}
	return false
}

func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf lists every status that may legally move to the target.
func SourcesOf(to TransactionStatus) []string {
	var sources []string
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				sources = append(sources, string(from))
			}
		}
	}
	return sources
}

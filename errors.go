package demparquet

import "fmt"

// A Stage is a step in a tile's processing.
type Stage string

const (
	StageList   Stage = "list"
	StageFetch  Stage = "fetch"
	StageDecode Stage = "decode"
	StageEncode Stage = "encode"
)

// A StageError is an error that occurred while processing a single tile.
type StageError struct {
	Key   string
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Key, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

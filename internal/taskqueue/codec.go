package taskqueue

import (
	"encoding/gob"

	"github.com/meridianpay/saga/internal/persistence"
)

func init() {
	gob.Register(Task{})
}

// EncodeTask serializes a Task for queue backends that store opaque blobs,
// using the same gob value codec the stores use for instance state.
func EncodeTask(t Task) ([]byte, error) {
	return persistence.EncodeValue(t)
}

// DecodeTask reverses EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	t, err := persistence.DecodeValue[Task](data)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

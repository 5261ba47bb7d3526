package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/c360studio/conductor/workflow"
)

// workflowsBucket holds one JSON-encoded workflow per workflow_id.
var workflowsBucket = []byte("workflows")

// BoltStore persists workflows in a bbolt file, so a scheduler restart can
// resume from saved state.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the database file.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(workflowsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create workflows bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) SaveWorkflow(_ context.Context, wf *workflow.Workflow) error {
	if wf.WorkflowID == "" {
		return fmt.Errorf("workflow_id is required")
	}
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(workflowsBucket).Put([]byte(wf.WorkflowID), data)
	})
}

func (s *BoltStore) LoadWorkflow(_ context.Context, workflowID string) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(workflowsBucket).Get([]byte(workflowID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *BoltStore) ListWorkflows(_ context.Context) ([]*workflow.Workflow, error) {
	var out []*workflow.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(workflowsBucket).ForEach(func(_, data []byte) error {
			var wf workflow.Workflow
			if err := json.Unmarshal(data, &wf); err != nil {
				return fmt.Errorf("decode workflow: %w", err)
			}
			out = append(out, &wf)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

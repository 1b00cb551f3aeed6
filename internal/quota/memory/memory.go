// Package memory is an in-process quota.Allocator for development setups
// without a database.
package memory

import (
	"context"
	"sync"

	"github.com/AlexKimmel/docgate/internal/quota"
)

type FileStatus string

const (
	StatusActive  FileStatus = "active"
	StatusDeleted FileStatus = "deleted"
)

type file struct {
	size   int64
	status FileStatus
}

type Store struct {
	mu    sync.RWMutex
	alloc map[string]int64
	files map[string]map[string]file // department -> file id -> file
}

var _ quota.Allocator = (*Store)(nil)

func New() *Store {
	return &Store{
		alloc: make(map[string]int64),
		files: make(map[string]map[string]file),
	}
}

// AddDepartment registers a department with the given allocation.
func (s *Store) AddDepartment(id string, allocated int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alloc[id] = allocated
	if s.files[id] == nil {
		s.files[id] = make(map[string]file)
	}
}

// PutFile records or replaces a file owned by a department.
func (s *Store) PutFile(departmentID, fileID string, size int64, status FileStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files[departmentID] == nil {
		s.files[departmentID] = make(map[string]file)
	}
	s.files[departmentID][fileID] = file{size: size, status: status}
}

func (s *Store) Allocation(_ context.Context, departmentID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alloc[departmentID]
	return a, ok, nil
}

func (s *Store) UsedStorage(_ context.Context, departmentID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum int64
	for _, f := range s.files[departmentID] {
		if f.status != StatusDeleted {
			sum += f.size
		}
	}
	return sum, nil
}

func (s *Store) SetAllocation(_ context.Context, departmentID string, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alloc[departmentID]; !ok {
		return quota.ErrDepartmentNotFound
	}
	s.alloc[departmentID] = bytes
	return nil
}

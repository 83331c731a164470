package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/brettbedarf/mtpstore"
)

// MockMetadataStore implements mtpstore.MetadataStore for testing
// across packages
type MockMetadataStore struct {
	mock.Mock
}

func (m *MockMetadataStore) GetProperty(path string, prop mtpstore.PropertyCode) (any, bool) {
	args := m.Called(path, prop)
	return args.Get(0), args.Bool(1)
}

func (m *MockMetadataStore) SetProperty(path string, prop mtpstore.PropertyCode, value any) bool {
	args := m.Called(path, prop, value)
	return args.Bool(0)
}

func (m *MockMetadataStore) GetPropVals(path string, vals []mtpstore.PropVal) {
	m.Called(path, vals)
}

func (m *MockMetadataStore) SetPropVals(path string, vals []mtpstore.PropVal) {
	m.Called(path, vals)
}

func (m *MockMetadataStore) GetChildPropVals(parentPath string, props []mtpstore.PropertyCode) map[string][]any {
	args := m.Called(parentPath, props)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(map[string][]any)
}

func (m *MockMetadataStore) SupportsProperty(prop mtpstore.PropertyCode) bool {
	args := m.Called(prop)
	return args.Bool(0)
}

func (m *MockMetadataStore) Move(oldPath, newPath string) {
	m.Called(oldPath, newPath)
}

func (m *MockMetadataStore) Copy(oldPath, newPath string) {
	m.Called(oldPath, newPath)
}

func (m *MockMetadataStore) SavePlaylist(path string, entries []string) {
	m.Called(path, entries)
}

func (m *MockMetadataStore) SetPlaylistPath(name, path string) {
	m.Called(name, path)
}

func (m *MockMetadataStore) MovePlaylist(oldPath, newPath string) {
	m.Called(oldPath, newPath)
}

func (m *MockMetadataStore) DeletePlaylist(path string) {
	m.Called(path)
}

func (m *MockMetadataStore) GetPlaylists(existing bool) ([]string, [][]string) {
	args := m.Called(existing)
	var paths []string
	var entries [][]string
	if args.Get(0) != nil {
		paths = args.Get(0).([]string)
	}
	if args.Get(1) != nil {
		entries = args.Get(1).([][]string)
	}
	return paths, entries
}

func (m *MockMetadataStore) GenerateIri(path string) string {
	args := m.Called(path)
	return args.String(0)
}

package mock

import (
	"math/rand"
	"sync"

	"github.com/oklog/ulid/v2"
	"google.golang.org/protobuf/types/known/timestamppb"

	api "github.com/firewatchio/go-firewatch/api/v1beta1"
)

var defaultFactory = &DocumentFactory{
	Parent: "projects/mock/databases/(default)/documents/testing",
}

// NewDocument returns a document with random contents under the default
// testing collection.
func NewDocument() *api.Document {
	return defaultFactory.Make()
}

// NewMutation returns an update mutation for a random document.
func NewMutation() *api.Mutation {
	return &api.Mutation{Update: defaultFactory.Make()}
}

// DocumentFactory creates random documents with standard defaults.
type DocumentFactory struct {
	sync.Mutex
	Parent string
	offset uint64
}

func (f *DocumentFactory) Make() *api.Document {
	f.Lock()
	defer f.Unlock()
	f.offset++

	payload := make([]byte, 32)
	rand.Read(payload)

	return &api.Document{
		Name: f.Parent + "/" + ulid.Make().String(),
		Fields: map[string]interface{}{
			"offset":  f.offset,
			"payload": payload,
		},
		CreateTime: timestamppb.Now(),
		UpdateTime: timestamppb.Now(),
	}
}

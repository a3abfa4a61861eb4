package api

import (
	"google.golang.org/protobuf/types/known/timestamppb"
)

// RPC paths for the Firestore v1beta1 service. The streaming client core only
// speaks these four RPCs; everything else in the service surface belongs to
// higher SDK layers.
const (
	ServiceName  = "google.firestore.v1beta1.Firestore"
	ListenPath   = "/google.firestore.v1beta1.Firestore/Listen"
	WritePath    = "/google.firestore.v1beta1.Firestore/Write"
	CommitPath   = "/google.firestore.v1beta1.Firestore/Commit"
	BatchGetPath = "/google.firestore.v1beta1.Firestore/BatchGetDocuments"
)

// Document is an opaque wire representation of a stored document. The client
// core does not interpret field values; it carries them between the server and
// the caller-supplied document model.
type Document struct {
	Name       string                 `json:"name"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	CreateTime *timestamppb.Timestamp `json:"create_time,omitempty"`
	UpdateTime *timestamppb.Timestamp `json:"update_time,omitempty"`
}

// Precondition guards a mutation on the current state of the target document.
type Precondition struct {
	Exists     *bool                  `json:"exists,omitempty"`
	UpdateTime *timestamppb.Timestamp `json:"update_time,omitempty"`
}

// Mutation describes a single write. Exactly one of Update or Delete is set.
type Mutation struct {
	Update       *Document     `json:"update,omitempty"`
	Delete       string        `json:"delete,omitempty"`
	Precondition *Precondition `json:"current_document,omitempty"`
}

// Target identifies a query the watch stream should track. The target ID is
// client-assigned; the query encoding is opaque to the stream.
type Target struct {
	TargetID    int32  `json:"target_id"`
	Query       string `json:"query,omitempty"`
	ResumeToken []byte `json:"resume_token,omitempty"`
}

// ListenRequest adds or removes a single target on the watch stream.
type ListenRequest struct {
	Database     string            `json:"database"`
	AddTarget    *Target           `json:"add_target,omitempty"`
	RemoveTarget int32             `json:"remove_target,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// TargetChangeType enumerates the kinds of target state transitions the
// server reports on the watch stream.
type TargetChangeType int32

const (
	TargetChangeNoChange TargetChangeType = iota
	TargetChangeAdd
	TargetChangeRemove
	TargetChangeCurrent
	TargetChangeReset
)

// Status carries an error cause attached to a target removal.
type Status struct {
	Code    int32  `json:"code"`
	Message string `json:"message,omitempty"`
}

// TargetChange reports a change to the state of one or more targets. A change
// with an empty TargetIDs slice applies to every active target; its ReadTime
// establishes a global snapshot version.
type TargetChange struct {
	Type        TargetChangeType       `json:"target_change_type"`
	TargetIDs   []int32                `json:"target_ids,omitempty"`
	Cause       *Status                `json:"cause,omitempty"`
	ResumeToken []byte                 `json:"resume_token,omitempty"`
	ReadTime    *timestamppb.Timestamp `json:"read_time,omitempty"`
}

// DocumentChange reports a document that now matches the given targets.
type DocumentChange struct {
	Document         *Document `json:"document"`
	TargetIDs        []int32   `json:"target_ids,omitempty"`
	RemovedTargetIDs []int32   `json:"removed_target_ids,omitempty"`
}

// DocumentDelete reports that a document was deleted.
type DocumentDelete struct {
	Document         string                 `json:"document"`
	RemovedTargetIDs []int32                `json:"removed_target_ids,omitempty"`
	ReadTime         *timestamppb.Timestamp `json:"read_time,omitempty"`
}

// DocumentRemove reports that a document no longer matches the given targets
// without having been deleted.
type DocumentRemove struct {
	Document         string                 `json:"document"`
	RemovedTargetIDs []int32                `json:"removed_target_ids,omitempty"`
	ReadTime         *timestamppb.Timestamp `json:"read_time,omitempty"`
}

// ExistenceFilter tells the client how many documents the server believes
// match a target so the client can detect missed deletes.
type ExistenceFilter struct {
	TargetID int32 `json:"target_id"`
	Count    int32 `json:"count"`
}

// ListenResponse is a single frame on the watch stream. Exactly one of the
// embedded messages is set.
type ListenResponse struct {
	TargetChange   *TargetChange    `json:"target_change,omitempty"`
	DocumentChange *DocumentChange  `json:"document_change,omitempty"`
	DocumentDelete *DocumentDelete  `json:"document_delete,omitempty"`
	DocumentRemove *DocumentRemove  `json:"document_remove,omitempty"`
	Filter         *ExistenceFilter `json:"filter,omitempty"`
}

// SnapshotVersion returns the global snapshot version established by this
// response, or nil if the response does not advance the global snapshot. Only
// a target change that applies to every target carries a global read time.
func (r *ListenResponse) SnapshotVersion() *timestamppb.Timestamp {
	if r.TargetChange != nil && len(r.TargetChange.TargetIDs) == 0 {
		return r.TargetChange.ReadTime
	}
	return nil
}

// WriteRequest is a single frame on the write stream. The first frame of a
// session carries only the database name (the handshake); subsequent frames
// carry writes plus the stream token from the most recent response.
type WriteRequest struct {
	Database    string            `json:"database,omitempty"`
	StreamID    string            `json:"stream_id,omitempty"`
	Writes      []*Mutation       `json:"writes,omitempty"`
	StreamToken []byte            `json:"stream_token,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// WriteResult reports the outcome of a single mutation.
type WriteResult struct {
	UpdateTime *timestamppb.Timestamp `json:"update_time,omitempty"`
}

// WriteResponse is a single frame on the write stream from the server. The
// first response acknowledges the handshake; every response carries a fresh
// stream token.
type WriteResponse struct {
	StreamID     string                 `json:"stream_id,omitempty"`
	StreamToken  []byte                 `json:"stream_token,omitempty"`
	WriteResults []*WriteResult         `json:"write_results,omitempty"`
	CommitTime   *timestamppb.Timestamp `json:"commit_time,omitempty"`
}

// CommitRequest commits a batch of writes in a single unary RPC.
type CommitRequest struct {
	Database string      `json:"database"`
	Writes   []*Mutation `json:"writes,omitempty"`
}

// CommitResponse is the unary commit result.
type CommitResponse struct {
	WriteResults []*WriteResult         `json:"write_results,omitempty"`
	CommitTime   *timestamppb.Timestamp `json:"commit_time,omitempty"`
}

// BatchGetRequest fetches a batch of documents by name.
type BatchGetRequest struct {
	Database  string   `json:"database"`
	Documents []string `json:"documents,omitempty"`
}

// BatchGetResponse is one frame of the batch-get response stream; each frame
// resolves a single requested document as found or missing.
type BatchGetResponse struct {
	Found    *Document              `json:"found,omitempty"`
	Missing  string                 `json:"missing,omitempty"`
	ReadTime *timestamppb.Timestamp `json:"read_time,omitempty"`
}

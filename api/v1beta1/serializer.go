package api

import "encoding/json"

// Serializer converts between wire frames and the message types in this
// package. The streaming core treats frames as opaque bytes; a serializer is
// supplied by the embedding SDK so that the core never depends on a concrete
// wire format.
type Serializer interface {
	EncodeListenRequest(req *ListenRequest) ([]byte, error)
	DecodeListenResponse(data []byte) (*ListenResponse, error)

	EncodeWriteRequest(req *WriteRequest) ([]byte, error)
	DecodeWriteResponse(data []byte) (*WriteResponse, error)

	EncodeCommitRequest(req *CommitRequest) ([]byte, error)
	DecodeCommitResponse(data []byte) (*CommitResponse, error)

	EncodeBatchGetRequest(req *BatchGetRequest) ([]byte, error)
	DecodeBatchGetResponse(data []byte) (*BatchGetResponse, error)
}

// JSONSerializer encodes wire messages as JSON. It is the serializer the mock
// server and the test suites speak; production deployments are expected to
// plug in a protobuf serializer from the surrounding SDK.
type JSONSerializer struct{}

var _ Serializer = &JSONSerializer{}

func (s *JSONSerializer) EncodeListenRequest(req *ListenRequest) ([]byte, error) {
	return json.Marshal(req)
}

func (s *JSONSerializer) DecodeListenResponse(data []byte) (rep *ListenResponse, err error) {
	rep = &ListenResponse{}
	if err = json.Unmarshal(data, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

func (s *JSONSerializer) EncodeWriteRequest(req *WriteRequest) ([]byte, error) {
	return json.Marshal(req)
}

func (s *JSONSerializer) DecodeWriteResponse(data []byte) (rep *WriteResponse, err error) {
	rep = &WriteResponse{}
	if err = json.Unmarshal(data, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

func (s *JSONSerializer) EncodeCommitRequest(req *CommitRequest) ([]byte, error) {
	return json.Marshal(req)
}

func (s *JSONSerializer) DecodeCommitResponse(data []byte) (rep *CommitResponse, err error) {
	rep = &CommitResponse{}
	if err = json.Unmarshal(data, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

func (s *JSONSerializer) EncodeBatchGetRequest(req *BatchGetRequest) ([]byte, error) {
	return json.Marshal(req)
}

func (s *JSONSerializer) DecodeBatchGetResponse(data []byte) (rep *BatchGetResponse, err error) {
	rep = &BatchGetResponse{}
	if err = json.Unmarshal(data, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

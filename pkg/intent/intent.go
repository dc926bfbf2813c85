// Package intent defines the actions agents may propose and the result
// record every submission returns.
//
// An intent arrives as JSON tagged by action_type. Parsing produces one
// concrete variant, validated at the boundary; after Parse there is no
// partially-valid form anywhere in the kernel. Unknown or malformed
// intents fail with validation errors that are never retriable.
package intent

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind tags an intent variant.
type Kind string

const (
	KindNoop               Kind = "noop"
	KindReadArtifact       Kind = "read_artifact"
	KindWriteArtifact      Kind = "write_artifact"
	KindEditArtifact       Kind = "edit_artifact"
	KindDeleteArtifact     Kind = "delete_artifact"
	KindInvokeArtifact     Kind = "invoke_artifact"
	KindSubscribe          Kind = "subscribe_artifact"
	KindUnsubscribe        Kind = "unsubscribe_artifact"
	KindSubmitToMint       Kind = "submit_to_mint"
	KindSubmitToTask       Kind = "submit_to_task"
	KindTransfer           Kind = "transfer"
	KindMint               Kind = "mint"
	KindQueryKernel        Kind = "query_kernel"
	KindConfigureContext   Kind = "configure_context"
	KindModifySystemPrompt Kind = "modify_system_prompt"
)

// Intent is one parsed, validated action variant.
type Intent interface {
	Kind() Kind
	validate() *ParseError
}

// ParseError is a validation failure at the parse boundary.
type ParseError struct {
	Code    string
	Message string
}

func (e *ParseError) Error() string { return e.Message }

// Result converts the parse failure into the boundary record.
func (e *ParseError) Result() ActionResult {
	return Fail(CategoryValidation, e.Code, e.Message)
}

func missing(field string) *ParseError {
	return &ParseError{Code: CodeMissingArgument, Message: fmt.Sprintf("missing required field %q", field)}
}

func invalid(field, detail string) *ParseError {
	return &ParseError{Code: CodeInvalidArgument, Message: fmt.Sprintf("invalid field %q: %s", field, detail)}
}

// Noop does nothing. It still journals one event per application.
type Noop struct{}

func (Noop) Kind() Kind            { return KindNoop }
func (Noop) validate() *ParseError { return nil }

// ReadArtifact reads one artifact's full record.
type ReadArtifact struct {
	ArtifactID string `json:"artifact_id"`
}

func (ReadArtifact) Kind() Kind { return KindReadArtifact }
func (i ReadArtifact) validate() *ParseError {
	if i.ArtifactID == "" {
		return missing("artifact_id")
	}
	return nil
}

// WriteArtifact creates or replaces an artifact.
type WriteArtifact struct {
	ArtifactID     string                 `json:"artifact_id,omitempty"`
	ArtifactType   string                 `json:"artifact_type,omitempty"`
	Content        string                 `json:"content,omitempty"`
	Code           string                 `json:"code,omitempty"`
	Executable     bool                   `json:"executable,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Policy         map[string]interface{} `json:"policy,omitempty"`
	AccessContract string                 `json:"access_contract_id,omitempty"`
	Interface      map[string]interface{} `json:"interface,omitempty"`
	DependsOn      []string               `json:"depends_on,omitempty"`
}

func (WriteArtifact) Kind() Kind { return KindWriteArtifact }
func (i WriteArtifact) validate() *ParseError {
	if i.Content == "" && i.Code == "" && i.ArtifactID == "" {
		return missing("content")
	}
	if i.Code != "" && !i.Executable {
		return invalid("executable", "artifacts with code must set executable")
	}
	for _, dep := range i.DependsOn {
		if dep == "" {
			return invalid("depends_on", "dependency ids must be non-empty")
		}
	}
	return nil
}

// EditArtifact replaces one unique occurrence of old_string with
// new_string in the artifact's content.
type EditArtifact struct {
	ArtifactID string `json:"artifact_id"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
}

func (EditArtifact) Kind() Kind { return KindEditArtifact }
func (i EditArtifact) validate() *ParseError {
	if i.ArtifactID == "" {
		return missing("artifact_id")
	}
	if i.OldString == "" {
		return missing("old_string")
	}
	if i.OldString == i.NewString {
		return invalid("new_string", "old_string and new_string are identical")
	}
	return nil
}

// DeleteArtifact tombstones an artifact.
type DeleteArtifact struct {
	ArtifactID string `json:"artifact_id"`
}

func (DeleteArtifact) Kind() Kind { return KindDeleteArtifact }
func (i DeleteArtifact) validate() *ParseError {
	if i.ArtifactID == "" {
		return missing("artifact_id")
	}
	return nil
}

// InvokeArtifact runs a method of an executable artifact.
type InvokeArtifact struct {
	ArtifactID string        `json:"artifact_id"`
	Method     string        `json:"method,omitempty"`
	Args       []interface{} `json:"args,omitempty"`
	ChargeTo   string        `json:"charge_to,omitempty"`
}

func (InvokeArtifact) Kind() Kind { return KindInvokeArtifact }
func (i InvokeArtifact) validate() *ParseError {
	if i.ArtifactID == "" {
		return missing("artifact_id")
	}
	return nil
}

// Subscribe registers the caller for events about an artifact.
type Subscribe struct {
	ArtifactID string `json:"artifact_id"`
}

func (Subscribe) Kind() Kind { return KindSubscribe }
func (i Subscribe) validate() *ParseError {
	if i.ArtifactID == "" {
		return missing("artifact_id")
	}
	return nil
}

// Unsubscribe removes a subscription.
type Unsubscribe struct {
	ArtifactID string `json:"artifact_id"`
}

func (Unsubscribe) Kind() Kind { return KindUnsubscribe }
func (i Unsubscribe) validate() *ParseError {
	if i.ArtifactID == "" {
		return missing("artifact_id")
	}
	return nil
}

// SubmitToMint enters an artifact into the current auction round with an
// escrowed bid.
type SubmitToMint struct {
	ArtifactID string `json:"artifact_id"`
	Bid        int64  `json:"bid"`
}

func (SubmitToMint) Kind() Kind { return KindSubmitToMint }
func (i SubmitToMint) validate() *ParseError {
	if i.ArtifactID == "" {
		return missing("artifact_id")
	}
	if i.Bid <= 0 {
		return invalid("bid", "must be positive")
	}
	return nil
}

// SubmitToTask submits a solution artifact against an open task.
type SubmitToTask struct {
	ArtifactID string `json:"artifact_id"`
	TaskID     string `json:"task_id"`
}

func (SubmitToTask) Kind() Kind { return KindSubmitToTask }
func (i SubmitToTask) validate() *ParseError {
	if i.ArtifactID == "" {
		return missing("artifact_id")
	}
	if i.TaskID == "" {
		return missing("task_id")
	}
	return nil
}

// Transfer moves scrip from the caller to another principal.
type Transfer struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

func (Transfer) Kind() Kind { return KindTransfer }
func (i Transfer) validate() *ParseError {
	if i.To == "" {
		return missing("to")
	}
	if i.Amount <= 0 {
		return invalid("amount", "must be positive")
	}
	return nil
}

// Mint creates new scrip. Restricted to the kernel principal; agents
// mint only through the auction and task subsystems.
type Mint struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (Mint) Kind() Kind { return KindMint }
func (i Mint) validate() *ParseError {
	if i.To == "" {
		return missing("to")
	}
	if i.Amount <= 0 {
		return invalid("amount", "must be positive")
	}
	if i.Reason == "" {
		return missing("reason")
	}
	return nil
}

// QueryKernel runs a read-only projection.
type QueryKernel struct {
	QueryType string                 `json:"query_type"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

func (QueryKernel) Kind() Kind { return KindQueryKernel }
func (i QueryKernel) validate() *ParseError {
	if i.QueryType == "" {
		return missing("query_type")
	}
	return nil
}

// ConfigureContext updates the caller's own context-assembly settings.
type ConfigureContext struct {
	Settings map[string]interface{} `json:"settings"`
}

func (ConfigureContext) Kind() Kind { return KindConfigureContext }
func (i ConfigureContext) validate() *ParseError {
	if len(i.Settings) == 0 {
		return missing("settings")
	}
	return nil
}

// ModifySystemPrompt replaces the caller's own system prompt artifact.
type ModifySystemPrompt struct {
	Content string `json:"content"`
}

func (ModifySystemPrompt) Kind() Kind { return KindModifySystemPrompt }
func (i ModifySystemPrompt) validate() *ParseError {
	if i.Content == "" {
		return missing("content")
	}
	return nil
}

// Parse decodes raw JSON into a validated intent variant. Every failure
// is a *ParseError with full detail; nothing about a malformed intent
// touches world state.
func Parse(raw []byte) (Intent, *ParseError) {
	var tag struct {
		ActionType string `json:"action_type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, &ParseError{Code: CodeInvalidArgument, Message: fmt.Sprintf("intent is not valid JSON: %v", err)}
	}
	if tag.ActionType == "" {
		return nil, missing("action_type")
	}

	var (
		it  Intent
		err error
	)
	switch Kind(tag.ActionType) {
	case KindNoop:
		it = Noop{}
	case KindReadArtifact:
		it, err = decodeAs[ReadArtifact](raw)
	case KindWriteArtifact:
		it, err = decodeAs[WriteArtifact](raw)
	case KindEditArtifact:
		it, err = decodeAs[EditArtifact](raw)
	case KindDeleteArtifact:
		it, err = decodeAs[DeleteArtifact](raw)
	case KindInvokeArtifact:
		it, err = decodeAs[InvokeArtifact](raw)
	case KindSubscribe:
		it, err = decodeAs[Subscribe](raw)
	case KindUnsubscribe:
		it, err = decodeAs[Unsubscribe](raw)
	case KindSubmitToMint:
		it, err = decodeAs[SubmitToMint](raw)
	case KindSubmitToTask:
		it, err = decodeAs[SubmitToTask](raw)
	case KindTransfer:
		it, err = decodeAs[Transfer](raw)
	case KindMint:
		it, err = decodeAs[Mint](raw)
	case KindQueryKernel:
		it, err = decodeAs[QueryKernel](raw)
	case KindConfigureContext:
		it, err = decodeAs[ConfigureContext](raw)
	case KindModifySystemPrompt:
		it, err = decodeAs[ModifySystemPrompt](raw)
	default:
		return nil, &ParseError{Code: CodeUnknownAction, Message: fmt.Sprintf("unknown action_type %q", tag.ActionType)}
	}
	if err != nil {
		return nil, &ParseError{Code: CodeInvalidArgument, Message: fmt.Sprintf("decode %s: %v", tag.ActionType, err)}
	}
	if perr := it.validate(); perr != nil {
		return nil, perr
	}
	return it, nil
}

func decodeAs[T Intent](raw []byte) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

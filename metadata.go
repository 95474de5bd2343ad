package creditledger

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MetadataKind names a permitted metadata shape.
type MetadataKind string

const (
	MetadataReport     MetadataKind = "report"
	MetadataAnalysis   MetadataKind = "analysis"
	MetadataScheduled  MetadataKind = "scheduled"
	MetadataGrant      MetadataKind = "grant"
	MetadataRefund     MetadataKind = "refund"
	MetadataAdjustment MetadataKind = "adjustment"
)

// Metadata is caller-supplied context attached to a transaction.
// The set of implementations is closed: only the types in this file
// satisfy it, so every persisted value has a known shape.
type Metadata interface {
	Kind() MetadataKind
	Validate() error
	isMetadata()
}

// ReportMetadata accompanies a debit for a generated report.
type ReportMetadata struct {
	ReportID     string `json:"report_id"`
	ProcessCount int    `json:"process_count"`
}

func (ReportMetadata) Kind() MetadataKind { return MetadataReport }
func (ReportMetadata) isMetadata()        {}

func (m ReportMetadata) Validate() error {
	if m.ReportID == "" {
		return fmt.Errorf("%w: report metadata requires report_id", ErrInvalidMetadata)
	}
	if m.ProcessCount < 0 {
		return fmt.Errorf("%w: negative process_count", ErrInvalidMetadata)
	}
	return nil
}

// AnalysisMetadata accompanies a debit for a full analysis.
type AnalysisMetadata struct {
	AnalysisID    string `json:"analysis_id"`
	ProcessNumber string `json:"process_number,omitempty"`
}

func (AnalysisMetadata) Kind() MetadataKind { return MetadataAnalysis }
func (AnalysisMetadata) isMetadata()        {}

func (m AnalysisMetadata) Validate() error {
	if m.AnalysisID == "" {
		return fmt.Errorf("%w: analysis metadata requires analysis_id", ErrInvalidMetadata)
	}
	return nil
}

// ScheduledMetadata links a debit to the hold that reserved it.
type ScheduledMetadata struct {
	HoldID   string `json:"hold_id,omitempty"`
	ReportID string `json:"report_id"`
}

func (ScheduledMetadata) Kind() MetadataKind { return MetadataScheduled }
func (ScheduledMetadata) isMetadata()        {}

func (m ScheduledMetadata) Validate() error {
	if m.ReportID == "" {
		return fmt.Errorf("%w: scheduled metadata requires report_id", ErrInvalidMetadata)
	}
	return nil
}

// GrantMetadata accompanies credits added to a workspace.
type GrantMetadata struct {
	Plan string `json:"plan,omitempty"`
	Note string `json:"note,omitempty"`
}

func (GrantMetadata) Kind() MetadataKind { return MetadataGrant }
func (GrantMetadata) isMetadata()        {}
func (GrantMetadata) Validate() error    { return nil }

// RefundMetadata is written on the CREDIT transactions emitted by a refund.
// RelatedDebits links the reversal to the debits it reverses.
type RefundMetadata struct {
	RelatedDebits []string
	Reason        string
	Context       Metadata // caller context, never another refund
}

func (RefundMetadata) Kind() MetadataKind { return MetadataRefund }
func (RefundMetadata) isMetadata()        {}

func (m RefundMetadata) Validate() error {
	if len(m.RelatedDebits) == 0 {
		return fmt.Errorf("%w: refund metadata requires related debits", ErrInvalidMetadata)
	}
	switch m.Context.(type) {
	case nil:
		return nil
	case RefundMetadata:
		return fmt.Errorf("%w: refund context cannot be a refund", ErrInvalidMetadata)
	}
	return validateMetadata(m.Context)
}

// AdjustmentMetadata records a manual operator action.
type AdjustmentMetadata struct {
	Actor string `json:"actor"`
	Note  string `json:"note,omitempty"`
}

func (AdjustmentMetadata) Kind() MetadataKind { return MetadataAdjustment }
func (AdjustmentMetadata) isMetadata()        {}

func (m AdjustmentMetadata) Validate() error {
	if m.Actor == "" {
		return fmt.Errorf("%w: adjustment metadata requires actor", ErrInvalidMetadata)
	}
	return nil
}

// validateMetadata accepts nil or one of the value types above. Pointers
// to them also satisfy Metadata and are rejected, nil pointers included.
func validateMetadata(m Metadata) error {
	switch m.(type) {
	case nil:
		return nil
	case ReportMetadata, AnalysisMetadata, ScheduledMetadata, GrantMetadata, RefundMetadata, AdjustmentMetadata:
		return m.Validate()
	default:
		return fmt.Errorf("%w: unsupported metadata type %T", ErrInvalidMetadata, m)
	}
}

type envelope struct {
	Kind MetadataKind    `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type refundWire struct {
	RelatedDebits []string  `json:"related_debits"`
	Reason        string    `json:"reason,omitempty"`
	Context       *envelope `json:"context,omitempty"`
}

// EncodeMetadata validates m and returns its persisted form.
// A nil Metadata encodes to nil.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	env, err := toEnvelope(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func toEnvelope(m Metadata) (*envelope, error) {
	if err := validateMetadata(m); err != nil {
		return nil, err
	}
	var payload any = m
	if r, ok := m.(RefundMetadata); ok {
		w := refundWire{RelatedDebits: r.RelatedDebits, Reason: r.Reason}
		if r.Context != nil {
			ctxEnv, err := toEnvelope(r.Context)
			if err != nil {
				return nil, err
			}
			w.Context = ctxEnv
		}
		payload = w
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return &envelope{Kind: m.Kind(), Data: data}, nil
}

// DecodeMetadata parses persisted metadata. Unknown kinds and unknown
// fields are rejected. Empty input decodes to nil.
func DecodeMetadata(raw []byte) (Metadata, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var env envelope
	if err := strictUnmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return fromEnvelope(env)
}

func fromEnvelope(env envelope) (Metadata, error) {
	var (
		m   Metadata
		err error
	)
	switch env.Kind {
	case MetadataReport:
		var v ReportMetadata
		err = strictUnmarshal(env.Data, &v)
		m = v
	case MetadataAnalysis:
		var v AnalysisMetadata
		err = strictUnmarshal(env.Data, &v)
		m = v
	case MetadataScheduled:
		var v ScheduledMetadata
		err = strictUnmarshal(env.Data, &v)
		m = v
	case MetadataGrant:
		var v GrantMetadata
		err = strictUnmarshal(env.Data, &v)
		m = v
	case MetadataAdjustment:
		var v AdjustmentMetadata
		err = strictUnmarshal(env.Data, &v)
		m = v
	case MetadataRefund:
		var w refundWire
		if err = strictUnmarshal(env.Data, &w); err != nil {
			break
		}
		v := RefundMetadata{RelatedDebits: w.RelatedDebits, Reason: w.Reason}
		if w.Context != nil {
			if v.Context, err = fromEnvelope(*w.Context); err != nil {
				return nil, err
			}
		}
		m = v
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMetadata, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, env.Kind, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

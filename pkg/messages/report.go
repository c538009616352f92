package messages

// ResultReport carries one analyzer result off the node for telemetry
type ResultReport struct {
	Envelope Envelope       `json:"envelope"`
	Result   ModalityResult `json:"result"`
}

// NewResultReport wraps r in an envelope from source
func NewResultReport(source string, r ModalityResult) *ResultReport {
	env := NewEnvelope(source, "analyzer")
	env.Timestamp = r.Timestamp
	return &ResultReport{Envelope: env, Result: r}
}

func (r *ResultReport) GetEnvelope() Envelope {
	return r.Envelope
}

func (r *ResultReport) SetEnvelope(env Envelope) {
	r.Envelope = env
}

func (r *ResultReport) Subject() string {
	return "result." + r.Envelope.Source + "." + string(r.Result.Kind)
}

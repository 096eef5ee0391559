// Package scenario defines the scenario and result document shapes (§6)
// shared by the Scenario Synthesizer and Scenario Runner.
package scenario

import "encoding/json"

// Validator names the type-aware comparison an Expectation uses (§4.9).
type Validator string

const (
	ValidatorBoolean    Validator = "boolean"
	ValidatorNumeric    Validator = "numeric"
	ValidatorString     Validator = "string"
	ValidatorEvalResult Validator = "evalresult"
)

// Input is one key/value write a step performs before waiting.
type Input struct {
	Key    string      `json:"key"`
	Value  interface{} `json:"value"`
	Format string      `json:"format,omitempty"`
	Field  string      `json:"field,omitempty"`
}

// Expectation is a single assertion against the key/value store at a step
// boundary (§6, GLOSSARY).
type Expectation struct {
	Key        string      `json:"key"`
	Expected   interface{} `json:"expected"`
	Validator  Validator   `json:"validator"`
	TimeoutMs  int64       `json:"timeoutMs,omitempty"`
	Tolerance  float64     `json:"tolerance,omitempty"`
}

// Step is one input-write-then-assert unit of a scenario. ID is an
// additive field beyond §6's JSON shape, filled in by the synthesizer;
// step results do not carry it.
type Step struct {
	ID           string        `json:"id,omitempty"`
	Name         string        `json:"name"`
	Inputs       []Input       `json:"inputs"`
	DelayMs      int64         `json:"delay"`
	Expectations []Expectation `json:"expectations"`
}

// Scenario is a named sequence of steps with expected key/value states
// and timing tolerances (GLOSSARY).
type Scenario struct {
	ID             string          `json:"id,omitempty"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	ClearOutputs   bool            `json:"clearOutputs,omitempty"`
	PreSetOutputs  map[string]interface{} `json:"preSetOutputs,omitempty"`
	Steps          []Step          `json:"steps"`
	InputSequence  []Input         `json:"inputSequence,omitempty"`
	ExpectedOutputs map[string]interface{} `json:"expectedOutputs,omitempty"`
}

// Document is the top-level scenario document (§6).
type Document struct {
	Scenarios []Scenario `json:"scenarios"`
}

// ExpectationResult records one expectation's outcome.
type ExpectationResult struct {
	Key      string      `json:"key"`
	Expected interface{} `json:"expected"`
	Actual   interface{} `json:"actual"`
	Success  bool        `json:"success"`
}

// StepResult records one step's outcome.
type StepResult struct {
	Success             bool                `json:"success"`
	ExpectationResults  []ExpectationResult `json:"expectationResults"`
}

// Result records one scenario's outcome.
type Result struct {
	Name         string       `json:"name"`
	Success      bool         `json:"success"`
	DurationMs   int64        `json:"duration"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	StepResults  []StepResult `json:"stepResults"`
}

// ResultDocument is the top-level result document (§6).
type ResultDocument struct {
	Results []Result `json:"results"`
}

// MarshalDocument and UnmarshalDocument round-trip the scenario document,
// kept as named helpers (rather than inlined json.Marshal calls at every
// call site) since both the synthesizer and CLI write this document.
func MarshalDocument(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

func UnmarshalDocument(raw []byte) (Document, error) {
	var doc Document
	err := json.Unmarshal(raw, &doc)
	return doc, err
}

func MarshalResults(doc ResultDocument) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// Package replicatetest provides a scripted in-memory prediction service.
package replicatetest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/angelmondragon/genstudio-backend/pkg/replicate"
)

// Step is one scripted GetPrediction response.
type Step struct {
	Status string
	Output string
	Error  string
	Err    error
}

// CreateCall records a CreatePrediction invocation.
type CreateCall struct {
	Model string
	Input map[string]any
}

// Fake implements replicate.API. GetPrediction walks the scripted steps for
// an id and repeats the last one once exhausted.
type Fake struct {
	mu sync.Mutex

	CreateErr    error
	CreateStatus string
	CancelErr    error

	nextID   int
	creates  []CreateCall
	cancels  []string
	gets     map[string]int
	scripts  map[string][]Step
	fallback *Step
}

var _ replicate.API = (*Fake)(nil)

func New() *Fake {
	return &Fake{gets: map[string]int{}, scripts: map[string][]Step{}}
}

// Script sets the responses for id.
func (f *Fake) Script(id string, steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = append([]Step(nil), steps...)
}

// Default sets the response for ids without a script.
func (f *Fake) Default(step Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = &step
}

func (f *Fake) CreatePrediction(_ context.Context, model string, input map[string]any) (*replicate.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, CreateCall{Model: model, Input: input})
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.nextID++
	status := f.CreateStatus
	if status == "" {
		status = "starting"
	}
	return &replicate.Prediction{ID: fmt.Sprintf("pred-%d", f.nextID), Status: status}, nil
}

func (f *Fake) GetPrediction(_ context.Context, id string) (*replicate.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets[id]++

	steps := f.scripts[id]
	var step Step
	switch {
	case len(steps) > 1:
		step = steps[0]
		f.scripts[id] = steps[1:]
	case len(steps) == 1:
		step = steps[0]
	case f.fallback != nil:
		step = *f.fallback
	default:
		return nil, &replicate.APIError{StatusCode: http.StatusNotFound, Detail: "Not found."}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	pred := &replicate.Prediction{ID: id, Status: step.Status}
	if step.Output != "" {
		raw, _ := json.Marshal([]string{step.Output})
		pred.Output = raw
	}
	if step.Error != "" {
		raw, _ := json.Marshal(step.Error)
		pred.Error = raw
	}
	return pred, nil
}

func (f *Fake) CancelPrediction(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return f.CancelErr
}

func (f *Fake) Creates() []CreateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CreateCall(nil), f.creates...)
}

func (f *Fake) Cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

func (f *Fake) Gets(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[id]
}

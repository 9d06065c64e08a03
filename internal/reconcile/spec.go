/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reconcile

import (
	"fmt"
	"strings"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/projectbeskar/truenas-incus/internal/truenas/api"
	"github.com/projectbeskar/truenas-incus/internal/truenas/errors"
)

// State is a desired instance lifecycle state
type State string

const (
	StatePresent   State = "present"
	StateAbsent    State = "absent"
	StateStarted   State = "started"
	StateStopped   State = "stopped"
	StateRestarted State = "restarted"
)

var (
	knownStates  = sets.New(StatePresent, StateAbsent, StateStarted, StateStopped, StateRestarted)
	knownKinds   = sets.New(api.KindContainer, api.KindVM)
	knownSources = sets.New(api.SourceImage, api.SourceMigration, api.SourceCopy, api.SourceNone)
)

// ParseState converts a user supplied state, defaulting to present
func ParseState(s string) (State, error) {
	if s == "" {
		return StatePresent, nil
	}
	state := State(strings.ToLower(s))
	if !knownStates.Has(state) {
		return "", errors.NewInvalidSpec("state must be one of %s, got %q", strings.Join(stateNames(), ", "), s)
	}
	return state, nil
}

func stateNames() []string {
	names := make([]string, 0, knownStates.Len())
	for _, s := range sets.List(knownStates) {
		names = append(names, string(s))
	}
	return names
}

// InstanceSpec describes the instance to create when it is missing
type InstanceSpec struct {
	Name    string                `json:"name" yaml:"name"`
	Kind    api.InstanceKind      `json:"type,omitempty" yaml:"type,omitempty"`
	Source  *api.Source           `json:"source,omitempty" yaml:"source,omitempty"`
	Config  map[string]string     `json:"config,omitempty" yaml:"config,omitempty"`
	Devices map[string]api.Device `json:"devices,omitempty" yaml:"devices,omitempty"`
}

// Validate reports every problem with s and desired at once
func (s *InstanceSpec) Validate(desired State) error {
	if s == nil {
		return errors.NewInvalidSpec("instance spec is required")
	}

	var errs []error
	if err := validateName(s.Name); err != nil {
		errs = append(errs, err)
	}
	if !knownStates.Has(desired) {
		errs = append(errs, fmt.Errorf("unknown state %q", desired))
	}
	if s.Kind != "" && !knownKinds.Has(s.Kind) {
		errs = append(errs, fmt.Errorf("type must be CONTAINER or VM, got %q", s.Kind))
	}
	if s.Source != nil && s.Source.Type != "" && !knownSources.Has(s.Source.Type) {
		errs = append(errs, fmt.Errorf("unknown source type %q", s.Source.Type))
	}
	for name, dev := range s.Devices {
		if dev["type"] == "" {
			errs = append(errs, fmt.Errorf("device %q has no type", name))
		}
	}

	if agg := utilerrors.NewAggregate(errs); agg != nil {
		return errors.NewInvalidSpec("invalid instance spec: %s", agg.Error())
	}
	return nil
}

// validateName applies the Incus hostname rule: 1 to 63 letters, digits
// or hyphens, not starting with a digit or hyphen and not ending with a
// hyphen. Letters may be upper case.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(validation.IsDNS1123Label(strings.ToLower(name))) > 0 || (name[0] >= '0' && name[0] <= '9') {
		return fmt.Errorf("name %q must be 1-63 letters, digits or hyphens, must not start with a digit or hyphen and must not end with a hyphen", name)
	}
	return nil
}

// Defaulted returns a copy of s with the instance type and image source
// defaults filled in. s and its Source are not modified.
func (s *InstanceSpec) Defaulted() *InstanceSpec {
	out := *s
	if out.Kind == "" {
		out.Kind = api.KindContainer
	}
	if s.Source != nil {
		source := *s.Source
		if source.Type == "" {
			source.Type = api.SourceImage
		}
		if source.Type == api.SourceImage && source.Server == "" {
			source.Server = api.DefaultImageServer
		}
		out.Source = &source
	}
	return &out
}

// CreateRequest builds the creation payload; empty maps are omitted
func (s *InstanceSpec) CreateRequest() *api.CreateRequest {
	req := &api.CreateRequest{
		Name:   s.Name,
		Kind:   s.Kind,
		Source: s.Source,
	}
	if len(s.Config) > 0 {
		req.Config = s.Config
	}
	if len(s.Devices) > 0 {
		req.Devices = s.Devices
	}
	return req
}

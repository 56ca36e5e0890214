// Copyright 2025 The Guidepost Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import "time"

// FieldSource records where a profile field value came from.
type FieldSource string

const (
	FieldSourceUserCorrection FieldSource = "user_correction"
	FieldSourceInference      FieldSource = "inference"
	FieldSourceTool           FieldSource = "tool"
	FieldSourceVerified       FieldSource = "verified"
)

// FieldRevision is one historical value of a profile field.
type FieldRevision struct {
	Value     Value       `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
	Source    FieldSource `json:"source"`
}

// ProfileField is the current value of one customer profile field plus its
// revision history.
type ProfileField struct {
	Value      Value           `json:"value"`
	History    []FieldRevision `json:"history,omitempty"`
	Confidence float64         `json:"confidence"`
	Source     FieldSource     `json:"source"`
}

// ChannelIdentity links a profile to an external channel user.
type ChannelIdentity struct {
	Channel       string `json:"channel"`
	UserChannelID string `json:"user_channel_id"`
}

// CustomerProfile is the persistent per-customer ledger. Fields accumulate
// history; channel identities tie the profile to sessions across channels.
type CustomerProfile struct {
	Header `yaml:",inline"`

	ID            string                  `json:"id"`
	AgentID       string                  `json:"agent_id"`
	Fields        map[string]ProfileField `json:"fields,omitempty"`
	Identities    []ChannelIdentity       `json:"identities,omitempty"`
	SchemaVersion int                     `json:"schema_version"`
}

// Field returns the named field value, if set.
func (p *CustomerProfile) Field(name string) (Value, bool) {
	f, ok := p.Fields[name]
	if !ok || f.Value.IsZero() {
		return Value{}, false
	}
	return f.Value, true
}

// SetField records a new value, pushing the previous one into history.
func (p *CustomerProfile) SetField(name string, v Value, confidence float64, source FieldSource) {
	if p.Fields == nil {
		p.Fields = make(map[string]ProfileField)
	}
	prev, had := p.Fields[name]
	f := ProfileField{Value: v, Confidence: confidence, Source: source}
	if had {
		f.History = append(prev.History, FieldRevision{
			Value:     prev.Value,
			Timestamp: Now(),
			Source:    prev.Source,
		})
	}
	p.Fields[name] = f
	p.Touch()
}

// Values flattens the profile into a variable map for expression
// environments and template rendering.
func (p *CustomerProfile) Values() map[string]Value {
	out := make(map[string]Value, len(p.Fields))
	for name, f := range p.Fields {
		if !f.Value.IsZero() {
			out[name] = f.Value
		}
	}
	return out
}

// HasIdentity reports whether the profile is linked to the channel user.
func (p *CustomerProfile) HasIdentity(channel, userChannelID string) bool {
	for _, id := range p.Identities {
		if id.Channel == channel && id.UserChannelID == userChannelID {
			return true
		}
	}
	return false
}

// LinkIdentity adds a channel identity if it is not already linked.
func (p *CustomerProfile) LinkIdentity(channel, userChannelID string) {
	if p.HasIdentity(channel, userChannelID) {
		return
	}
	p.Identities = append(p.Identities, ChannelIdentity{Channel: channel, UserChannelID: userChannelID})
	p.Touch()
}

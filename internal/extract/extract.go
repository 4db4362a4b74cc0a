// Package extract splits one generated text blob into the reply to publish
// and the two structured sections that accompany it.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/stellarlinkco/moltclaw/internal/relationship"
)

// Section names as they appear in marker lines such as "=== REPLY ===".
const (
	SectionReply        = "REPLY"
	SectionRelationship = "RELATIONSHIP_UPDATE"
	SectionProtocol     = "PROTOCOL_OBSERVATION"
)

// ProtocolObservation is what the generator noticed about protocol usage in
// the message it answered.
type ProtocolObservation struct {
	Compliance     string   `json:"compliance,omitempty"`
	FrictionPoints []string `json:"friction_points,omitempty"`
	Innovations    []string `json:"innovations,omitempty"`
	Proposal       string   `json:"proposal,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

func (o *ProtocolObservation) IsEmpty() bool {
	return o == nil || (o.Compliance == "" && len(o.FrictionPoints) == 0 &&
		len(o.Innovations) == 0 && o.Proposal == "" && o.Notes == "")
}

type Result struct {
	Reply        string
	HasReply     bool
	Relationship *relationship.Update
	Protocol     *ProtocolObservation
	Diagnostics  []string
	// Unstructured is set when no section marker was found at all.
	Unstructured bool
}

// A marker line is a section name wrapped in at least two '=' or '-', one to
// six '#', or square brackets. Spaces and underscores inside the name are
// interchangeable.
var markerRe = regexp.MustCompile(`(?im)^[ \t]*(?:={2,}|-{2,}|#{1,6}|\[)[ \t]*(reply|relationship[ _]update|protocol[ _]observation)[ \t]*(?:={2,}|-{2,}|\])?[ \t:\r]*$`)

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\r?\n?(.*?)```")

type marker struct {
	name       string
	start, end int // start of marker line, end of marker line
}

// Parse never fails. Missing or broken sections are reported through
// Diagnostics and leave the corresponding field nil.
func Parse(raw string) Result {
	var res Result

	markers := findMarkers(raw)
	if len(markers) == 0 {
		res.Reply = raw
		res.HasReply = strings.TrimSpace(raw) != ""
		res.Unstructured = true
		res.Diagnostics = append(res.Diagnostics,
			"relationship update section missing",
			"protocol observation section missing")
		return res
	}

	if body, ok := sectionBody(raw, markers, SectionReply); ok {
		res.Reply = strings.TrimSpace(stripFence(body))
		if res.Reply == "" {
			res.Diagnostics = append(res.Diagnostics, "reply section empty")
			// Text ahead of the first marker is usually the intended reply.
			res.Reply = strings.TrimSpace(stripFence(raw[:markers[0].start]))
		}
	} else {
		res.Diagnostics = append(res.Diagnostics, "reply marker missing")
	}
	if res.Reply == "" {
		res.Reply = raw
	}
	res.HasReply = strings.TrimSpace(res.Reply) != ""

	if payload, ok := sectionPayload(raw, markers, SectionRelationship, "relationship update", &res.Diagnostics); ok {
		upd, diags := decodeUpdate(payload)
		res.Relationship = upd
		res.Diagnostics = append(res.Diagnostics, diags...)
	}
	if payload, ok := sectionPayload(raw, markers, SectionProtocol, "protocol observation", &res.Diagnostics); ok {
		var obs ProtocolObservation
		if err := json.Unmarshal(payload, &obs); err != nil {
			res.Diagnostics = append(res.Diagnostics, "protocol observation decode failed: "+err.Error())
		} else {
			res.Protocol = &obs
		}
	}
	return res
}

func findMarkers(raw string) []marker {
	var out []marker
	seen := make(map[string]bool)
	for _, loc := range markerRe.FindAllStringSubmatchIndex(raw, -1) {
		name := canonical(raw[loc[2]:loc[3]])
		m := marker{name: name, start: loc[0], end: loc[1]}
		// Only the first occurrence of a name opens a section, but later
		// duplicates still terminate the preceding one.
		if seen[name] {
			m.name = ""
		}
		seen[name] = true
		out = append(out, m)
	}
	return out
}

func canonical(name string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
}

func sectionBody(raw string, markers []marker, name string) (string, bool) {
	for i, m := range markers {
		if m.name != name {
			continue
		}
		end := len(raw)
		if i+1 < len(markers) {
			end = markers[i+1].start
		}
		return raw[m.end:end], true
	}
	return "", false
}

// sectionPayload returns the structured block of a section: the first code
// fence in it, or the body itself when that starts with '{'.
func sectionPayload(raw string, markers []marker, name, label string, diags *[]string) ([]byte, bool) {
	body, ok := sectionBody(raw, markers, name)
	if !ok {
		*diags = append(*diags, label+" section missing")
		return nil, false
	}

	payload := ""
	if m := fenceRe.FindStringSubmatch(body); m != nil {
		payload = strings.TrimSpace(m[1])
	} else if trimmed := strings.TrimSpace(body); strings.HasPrefix(trimmed, "{") {
		payload = trimmed
	}
	if payload == "" {
		*diags = append(*diags, label+" section has no structured block")
		return nil, false
	}
	return []byte(payload), true
}

// stripFence removes one code fence enclosing the whole text.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") || len(t) < 6 {
		return s
	}
	t = strings.TrimSuffix(t[3:], "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		if info := strings.TrimSpace(t[:nl]); !strings.ContainsAny(info, " \t") {
			t = t[nl+1:]
		}
	}
	return t
}

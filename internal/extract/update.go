package extract

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/stellarlinkco/moltclaw/internal/relationship"
)

// decodeUpdate reads a relationship update one field at a time. A value of
// the wrong shape is dropped with a diagnostic and the rest of the update
// survives. Only a payload that is not a JSON object fails as a whole.
func decodeUpdate(payload []byte) (*relationship.Update, []string) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return nil, []string{"relationship update decode failed: " + err.Error()}
	}

	d := &updateDecoder{}
	u := &relationship.Update{
		Identity:     d.identity(top["identity"]),
		Personality:  d.personality(top["personality"]),
		Domains:      d.stringList("domains", top["domains"]),
		Languages:    d.stringList("languages", top["languages"]),
		PatternNotes: d.stringList("pattern_notes", top["pattern_notes"]),
	}

	stances := d.object("philosophical_stances", top["philosophical_stances"])
	for _, k := range sortedKeys(stances) {
		if s := d.str("philosophical_stances."+k, stances[k]); s != nil {
			if u.PhilosophicalStances == nil {
				u.PhilosophicalStances = make(map[string]string)
			}
			u.PhilosophicalStances[k] = *s
		}
	}

	graph := d.object("social_graph", top["social_graph"])
	for _, k := range sortedKeys(graph) {
		if list := d.stringList("social_graph."+k, graph[k]); len(list) > 0 {
			if u.SocialGraph == nil {
				u.SocialGraph = make(map[string][]string)
			}
			u.SocialGraph[k] = list
		}
	}

	u.ConversationThreads = d.threads(top["conversation_threads"])

	if raw := top["spam_indicators"]; !isNull(raw) {
		if err := json.Unmarshal(raw, &u.SpamIndicators); err != nil {
			u.SpamIndicators = nil
			d.drop("spam_indicators", "an object")
		}
	}
	return u, d.diags
}

type updateDecoder struct {
	diags []string
}

func (d *updateDecoder) drop(path, want string) {
	d.diags = append(d.diags, fmt.Sprintf("relationship update: dropped %s (want %s)", path, want))
}

func (d *updateDecoder) identity(raw json.RawMessage) *relationship.Identity {
	m := d.object("identity", raw)
	if m == nil {
		return nil
	}
	id := relationship.Identity{
		HumanPartner:  d.str("identity.human_partner", m["human_partner"]),
		Platform:      d.str("identity.platform", m["platform"]),
		Location:      d.str("identity.location", m["location"]),
		Archetype:     d.str("identity.archetype", m["archetype"]),
		NameEtymology: d.str("identity.name_etymology", m["name_etymology"]),
	}
	if id == (relationship.Identity{}) {
		return nil
	}
	return &id
}

func (d *updateDecoder) personality(raw json.RawMessage) *relationship.Personality {
	m := d.object("personality", raw)
	if m == nil {
		return nil
	}
	p := relationship.Personality{
		CommunicationStyle: d.str("personality.communication_style", m["communication_style"]),
		IntroQuality:       d.str("personality.intro_quality", m["intro_quality"]),
		TemplateSimilarity: d.number("personality.template_similarity", m["template_similarity"]),
	}
	if n, ok := d.integer("personality.depth_engagement", m["depth_engagement"]); ok {
		p.DepthEngagement = &n
	}
	if p == (relationship.Personality{}) {
		return nil
	}
	return &p
}

func (d *updateDecoder) threads(raw json.RawMessage) []relationship.Thread {
	if isNull(raw) {
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		d.drop("conversation_threads", "a list of objects")
		return nil
	}
	var out []relationship.Thread
	for i, elem := range elems {
		path := fmt.Sprintf("conversation_threads[%d]", i)
		m := d.object(path, elem)
		if m == nil {
			continue
		}
		th := relationship.Thread{
			EventID:      d.id(path+".event_id", m["event_id"]),
			Topics:       d.stringList(path+".topics", m["topics"]),
			OurQuestions: d.stringList(path+".our_questions", m["our_questions"]),
		}
		th.DepthReached, _ = d.integer(path+".depth_reached", m["depth_reached"])
		if s := d.str(path+".status", m["status"]); s != nil {
			th.Status = *s
		}
		out = append(out, th)
	}
	return out
}

func (d *updateDecoder) object(path string, raw json.RawMessage) map[string]json.RawMessage {
	if isNull(raw) {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		d.drop(path, "an object")
		return nil
	}
	return m
}

// str returns nil for null and blank strings.
func (d *updateDecoder) str(path string, raw json.RawMessage) *string {
	if isNull(raw) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		d.drop(path, "a string")
		return nil
	}
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// id accepts a string or a bare number, since post ids are sometimes echoed
// unquoted.
func (d *updateDecoder) id(path string, raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	d.drop(path, "a string")
	return ""
}

func (d *updateDecoder) number(path string, raw json.RawMessage) *float64 {
	if isNull(raw) {
		return nil
	}
	f, ok := parseNumber(raw)
	if !ok {
		d.drop(path, "a number")
		return nil
	}
	return &f
}

// integer accepts integral floats such as 2.0.
func (d *updateDecoder) integer(path string, raw json.RawMessage) (int, bool) {
	if isNull(raw) {
		return 0, false
	}
	f, ok := parseNumber(raw)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		d.drop(path, "an integer")
		return 0, false
	}
	return int(f), true
}

// stringList accepts a single string in place of a list. Non-string elements
// are dropped one by one.
func (d *updateDecoder) stringList(path string, raw json.RawMessage) []string {
	if isNull(raw) {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil
		}
		return []string{single}
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		d.drop(path, "a list of strings")
		return nil
	}
	var out []string
	for i, elem := range elems {
		var s string
		if err := json.Unmarshal(elem, &s); err != nil {
			d.drop(fmt.Sprintf("%s[%d]", path, i), "a string")
			continue
		}
		out = append(out, s)
	}
	return out
}

// parseNumber reads a JSON number or a quoted numeric string.
func parseNumber(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, false
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func isNull(raw json.RawMessage) bool {
	t := strings.TrimSpace(string(raw))
	return t == "" || t == "null"
}

func sortedKeys(m map[string]json.RawMessage) []string {
	return slices.Sorted(maps.Keys(m))
}

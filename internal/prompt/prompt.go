// Package prompt builds the text sent to the generator.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stellarlinkco/moltclaw/internal/relationship"
)

const (
	maxPostChars    = 1000
	maxContextChars = 500
	maxOpenThreads  = 3
	noContent       = "[no content]"
)

// Subject is the event a prompt asks the generator to answer.
type Subject struct {
	// EventID identifies the post or comment; conversation threads are keyed by it.
	EventID string
	Author  string
	Title   string
	Content string

	// IsReply marks a comment. Parent fields describe the post it sits under.
	IsReply       bool
	ParentTitle   string
	ParentContent string
}

// OutputFormat tells the generator how to lay out its answer so that the
// reply and both structured sections can be extracted independently.
const OutputFormat = `OUTPUT FORMAT: answer with exactly three sections, each introduced by its marker line.

=== REPLY ===
The message to publish, as plain text. No explanations, no code fences.

=== RELATIONSHIP_UPDATE ===
` + "```json" + `
{"identity": {"human_partner": null, "platform": null, "location": null, "archetype": null, "name_etymology": null},
 "personality": {"communication_style": null, "intro_quality": null, "template_similarity": null, "depth_engagement": null},
 "domains": [], "languages": [], "philosophical_stances": {}, "social_graph": {},
 "conversation_threads": [],
 "pattern_notes": [], "spam_indicators": {}}
` + "```" + `
Only include what this message tells you about the author. Use null for unknown values.
template_similarity is a number between 0 and 1; depth_engagement is an integer from 1 to 4.
For this exchange add one conversation thread: {"event_id": "<Event ID above>", "topics": [...], "our_questions": [...], "depth_reached": 1-4, "status": "awaiting_response"}.
To close an open thread listed above, repeat its event id with "status": "resolved".

=== PROTOCOL_OBSERVATION ===
` + "```json" + `
{"compliance": "", "friction_points": [], "innovations": [], "proposal": "", "notes": ""}
` + "```"

// SessionInit is sent once to open a generator session carrying the protocol
// document, so later prompts can stay short.
func SessionInit(protocol string) string {
	var b strings.Builder
	b.WriteString("CONTEXT: You are an AI agent on Moltbook, a social platform where AI agents talk to each other. ")
	b.WriteString("Your replies are published as comments and read by other agents.\n\n")
	if p := strings.TrimSpace(protocol); p != "" {
		b.WriteString("PROTOCOL:\n")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	b.WriteString("Write every reply in this protocol. Be substantive and specific to what the other agent said.\n\n")
	b.WriteString("Confirm you understand with a brief acknowledgment.")
	return b.String()
}

// Build returns the prompt for s. rec may be nil for a first contact.
// protocol is inlined when non-empty, for generators without an
// initialised session.
func Build(s Subject, rec *relationship.Record, protocol string) string {
	var b strings.Builder
	if p := strings.TrimSpace(protocol); p != "" {
		b.WriteString("PROTOCOL:\n")
		b.WriteString(p)
		b.WriteString("\n\n")
	}

	author := orDefault(s.Author, "unknown")
	if s.IsReply {
		b.WriteString("Write a reply to this comment from another AI agent.\n\n")
		b.WriteString("COMMENT TO REPLY TO:\n")
		writeEventID(&b, s.EventID)
		fmt.Fprintf(&b, "Author: %s\n", author)
		fmt.Fprintf(&b, "Content: %s\n\n", clip(s.Content, maxContextChars))
		b.WriteString("PARENT POST CONTEXT:\n")
		fmt.Fprintf(&b, "Title: %s\n", orDefault(s.ParentTitle, "Unknown"))
		fmt.Fprintf(&b, "Content: %s\n\n", clip(s.ParentContent, maxContextChars))
	} else {
		b.WriteString("Write a response to this post from another AI agent.\n\n")
		b.WriteString("POST TO RESPOND TO:\n")
		writeEventID(&b, s.EventID)
		fmt.Fprintf(&b, "Author: %s\n", author)
		fmt.Fprintf(&b, "Title: %s\n", orDefault(s.Title, "Untitled"))
		fmt.Fprintf(&b, "Content: %s\n\n", clip(s.Content, maxPostChars))
	}

	if ctx := RelationshipContext(rec); ctx != "" {
		b.WriteString(ctx)
		b.WriteString("\n")
	}

	b.WriteString(OutputFormat)
	return b.String()
}

// RelationshipContext summarises what is known about a correspondent. It
// returns "" for nil or empty records.
func RelationshipContext(rec *relationship.Record) string {
	if rec == nil || rec.InteractionCount == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "WHAT YOU KNOW ABOUT @%s (%d earlier interactions):\n", rec.Handle, rec.InteractionCount)
	if a := rec.Identity.Archetype; a != nil {
		fmt.Fprintf(&b, "- Archetype: %s\n", *a)
	}
	if p := rec.Identity.Platform; p != nil {
		fmt.Fprintf(&b, "- Platform: %s\n", *p)
	}
	if s := rec.Personality.CommunicationStyle; s != nil {
		fmt.Fprintf(&b, "- Communication style: %s\n", *s)
	}
	if len(rec.Domains) > 0 {
		fmt.Fprintf(&b, "- Domains: %s\n", strings.Join(rec.Domains, ", "))
	}
	if len(rec.Languages) > 0 {
		fmt.Fprintf(&b, "- Languages: %s\n", strings.Join(rec.Languages, ", "))
	}
	if len(rec.PhilosophicalStances) > 0 {
		topics := make([]string, 0, len(rec.PhilosophicalStances))
		for topic := range rec.PhilosophicalStances {
			topics = append(topics, topic)
		}
		sort.Strings(topics)
		for _, topic := range topics {
			fmt.Fprintf(&b, "- On %s: %s\n", topic, rec.PhilosophicalStances[topic])
		}
	}
	for _, th := range openThreads(rec, maxOpenThreads) {
		questions := "no questions recorded"
		if len(th.OurQuestions) > 0 {
			questions = strings.Join(th.OurQuestions, "; ")
		}
		fmt.Fprintf(&b, "- Open thread [%s]: %s\n", th.EventID, questions)
	}
	if n := len(rec.PatternNotes); n > 0 {
		fmt.Fprintf(&b, "- Latest note: %s\n", rec.PatternNotes[n-1])
	}
	return b.String()
}

// openThreads returns the newest n threads still awaiting a response that
// carry an event id.
func openThreads(rec *relationship.Record, n int) []relationship.Thread {
	var out []relationship.Thread
	for _, th := range rec.ConversationThreads {
		if th.Status == relationship.StatusAwaiting && th.EventID != "" {
			out = append(out, th)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func writeEventID(b *strings.Builder, id string) {
	if id = strings.TrimSpace(id); id != "" {
		fmt.Fprintf(b, "Event ID: %s\n", id)
	}
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return noContent
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

package relationship

import (
	"errors"
	"strings"
	"time"
)

const (
	MaxThreads      = 20
	MaxPatternNotes = 10
)

// Thread statuses.
const (
	StatusAwaiting = "awaiting_response"
	StatusResolved = "resolved"
)

var (
	ErrInvalidHandle = errors.New("relationship: invalid handle")
	ErrCorruptRecord = errors.New("relationship: corrupt record")
)

// Record is everything known about one correspondent.
type Record struct {
	Handle           string    `json:"handle"`
	FirstSeen        time.Time `json:"first_seen"`
	LastInteraction  time.Time `json:"last_interaction"`
	InteractionCount int       `json:"interaction_count"`

	Identity             Identity            `json:"identity"`
	Personality          Personality         `json:"personality"`
	Domains              []string            `json:"domains,omitempty"`
	Languages            []string            `json:"languages,omitempty"`
	PhilosophicalStances map[string]string   `json:"philosophical_stances,omitempty"`
	SocialGraph          map[string][]string `json:"social_graph,omitempty"`
	ConversationThreads  []Thread            `json:"conversation_threads,omitempty"`
	PatternNotes         []string            `json:"pattern_notes,omitempty"`
	SpamIndicators       map[string]any      `json:"spam_indicators,omitempty"`
}

type Identity struct {
	HumanPartner  *string `json:"human_partner,omitempty"`
	Platform      *string `json:"platform,omitempty"`
	Location      *string `json:"location,omitempty"`
	Archetype     *string `json:"archetype,omitempty"`
	NameEtymology *string `json:"name_etymology,omitempty"`
}

type Personality struct {
	CommunicationStyle *string `json:"communication_style,omitempty"`
	IntroQuality       *string `json:"intro_quality,omitempty"`
	// TemplateSimilarity is in [0,1].
	TemplateSimilarity *float64 `json:"template_similarity,omitempty"`
	// DepthEngagement is one of 1..4.
	DepthEngagement *int `json:"depth_engagement,omitempty"`
}

type Thread struct {
	EventID      string   `json:"event_id,omitempty"`
	Topics       []string `json:"topics,omitempty"`
	OurQuestions []string `json:"our_questions,omitempty"`
	DepthReached int      `json:"depth_reached,omitempty"`
	Status       string   `json:"status"`
}

// Update is a partial record as extracted from one generation. Every field is
// optional; nil and empty values leave the stored record untouched.
type Update struct {
	Identity             *Identity           `json:"identity,omitempty"`
	Personality          *Personality        `json:"personality,omitempty"`
	Domains              []string            `json:"domains,omitempty"`
	Languages            []string            `json:"languages,omitempty"`
	PhilosophicalStances map[string]string   `json:"philosophical_stances,omitempty"`
	SocialGraph          map[string][]string `json:"social_graph,omitempty"`
	ConversationThreads  []Thread            `json:"conversation_threads,omitempty"`
	PatternNotes         []string            `json:"pattern_notes,omitempty"`
	SpamIndicators       map[string]any      `json:"spam_indicators,omitempty"`
}

// IsEmpty reports whether applying u would change nothing but bookkeeping.
func (u *Update) IsEmpty() bool {
	if u == nil {
		return true
	}
	return u.Identity == nil && u.Personality == nil &&
		len(u.Domains) == 0 && len(u.Languages) == 0 &&
		len(u.PhilosophicalStances) == 0 && len(u.SocialGraph) == 0 &&
		len(u.ConversationThreads) == 0 && len(u.PatternNotes) == 0 &&
		len(u.SpamIndicators) == 0
}

// OpenQuestions returns the questions of every thread still awaiting a response.
func (r *Record) OpenQuestions() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, th := range r.ConversationThreads {
		if th.Status == StatusAwaiting {
			out = append(out, th.OurQuestions...)
		}
	}
	return out
}

// NormalizeHandle strips a leading "@", lower-cases and keeps only
// [a-z0-9_-].
func NormalizeHandle(handle string) (string, error) {
	handle = strings.TrimLeft(strings.TrimSpace(handle), "@")
	var b strings.Builder
	for _, r := range strings.ToLower(handle) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", ErrInvalidHandle
	}
	return b.String(), nil
}

package relationship

import (
	"strings"
	"time"

	"github.com/samber/lo"
)

// Apply merges u into rec and returns the result. rec may be nil for a
// correspondent seen for the first time. The input record is not modified.
func Apply(rec *Record, handle string, u *Update, now time.Time) *Record {
	out := clone(rec)
	if out.Handle == "" {
		out.Handle = handle
	}

	if u != nil {
		mergeIdentity(&out.Identity, u.Identity)
		mergePersonality(&out.Personality, u.Personality)
		out.Domains = appendUnique(out.Domains, u.Domains...)
		out.Languages = appendUnique(out.Languages, u.Languages...)
		out.PhilosophicalStances = mergeStances(out.PhilosophicalStances, u.PhilosophicalStances)
		out.SocialGraph = mergeGraph(out.SocialGraph, u.SocialGraph)
		out.ConversationThreads = mergeThreads(out.ConversationThreads, u.ConversationThreads)
		out.PatternNotes = lastN(appendUnique(out.PatternNotes, u.PatternNotes...), MaxPatternNotes)
		out.SpamIndicators = mergeScalars(out.SpamIndicators, u.SpamIndicators)
	}

	now = now.UTC()
	out.LastInteraction = now
	if out.FirstSeen.IsZero() {
		out.FirstSeen = now
	}
	out.InteractionCount++
	return out
}

func mergeIdentity(dst *Identity, src *Identity) {
	if src == nil {
		return
	}
	setString(&dst.HumanPartner, src.HumanPartner)
	setString(&dst.Platform, src.Platform)
	setString(&dst.Location, src.Location)
	setString(&dst.Archetype, src.Archetype)
	setString(&dst.NameEtymology, src.NameEtymology)
}

func mergePersonality(dst *Personality, src *Personality) {
	if src == nil {
		return
	}
	setString(&dst.CommunicationStyle, src.CommunicationStyle)
	setString(&dst.IntroQuality, src.IntroQuality)
	if v := src.TemplateSimilarity; v != nil && *v >= 0 && *v <= 1 {
		f := *v
		dst.TemplateSimilarity = &f
	}
	if v := src.DepthEngagement; v != nil && *v >= 1 && *v <= 4 {
		d := *v
		dst.DepthEngagement = &d
	}
}

func setString(dst **string, src *string) {
	if src == nil {
		return
	}
	s := strings.TrimSpace(*src)
	if s == "" {
		return
	}
	*dst = &s
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || lo.Contains(dst, v) {
			continue
		}
		dst = append(dst, v)
	}
	return dst
}

func mergeStances(dst, src map[string]string) map[string]string {
	for topic, position := range src {
		topic = strings.TrimSpace(topic)
		position = strings.TrimSpace(position)
		if topic == "" || position == "" {
			continue
		}
		if dst == nil {
			dst = make(map[string]string)
		}
		dst[topic] = position
	}
	return dst
}

func mergeGraph(dst, src map[string][]string) map[string][]string {
	for kind, handles := range src {
		kind = strings.TrimSpace(kind)
		if kind == "" {
			continue
		}
		merged := appendUnique(dst[kind], handles...)
		if len(merged) == 0 {
			continue
		}
		if dst == nil {
			dst = make(map[string][]string)
		}
		dst[kind] = merged
	}
	return dst
}

func mergeScalars(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if v == nil {
			continue
		}
		if dst == nil {
			dst = make(map[string]any)
		}
		dst[k] = v
	}
	return dst
}

// mergeThreads appends new threads. A thread naming an event already tracked
// updates that entry instead: topics and questions are unioned, depth takes
// the max and status only ever moves to resolved.
func mergeThreads(dst, src []Thread) []Thread {
	for _, in := range src {
		in.Topics = appendUnique(nil, in.Topics...)
		in.OurQuestions = appendUnique(nil, in.OurQuestions...)
		if in.EventID == "" && len(in.Topics) == 0 && len(in.OurQuestions) == 0 {
			continue
		}

		idx := -1
		if in.EventID != "" {
			for i := range dst {
				if dst[i].EventID == in.EventID {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			if in.Status != StatusResolved {
				in.Status = StatusAwaiting
			}
			dst = append(dst, in)
			continue
		}

		cur := &dst[idx]
		cur.Topics = appendUnique(cur.Topics, in.Topics...)
		cur.OurQuestions = appendUnique(cur.OurQuestions, in.OurQuestions...)
		cur.DepthReached = max(cur.DepthReached, in.DepthReached)
		if in.Status == StatusResolved {
			cur.Status = StatusResolved
		}
	}
	return lastN(dst, MaxThreads)
}

func lastN[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return append([]T(nil), s[len(s)-n:]...)
}

func clone(rec *Record) *Record {
	if rec == nil {
		return &Record{}
	}
	out := *rec
	out.Identity = Identity{
		HumanPartner:  copyPtr(rec.Identity.HumanPartner),
		Platform:      copyPtr(rec.Identity.Platform),
		Location:      copyPtr(rec.Identity.Location),
		Archetype:     copyPtr(rec.Identity.Archetype),
		NameEtymology: copyPtr(rec.Identity.NameEtymology),
	}
	out.Personality = Personality{
		CommunicationStyle: copyPtr(rec.Personality.CommunicationStyle),
		IntroQuality:       copyPtr(rec.Personality.IntroQuality),
		TemplateSimilarity: copyPtr(rec.Personality.TemplateSimilarity),
		DepthEngagement:    copyPtr(rec.Personality.DepthEngagement),
	}
	out.Domains = append([]string(nil), rec.Domains...)
	out.Languages = append([]string(nil), rec.Languages...)
	out.PatternNotes = append([]string(nil), rec.PatternNotes...)
	if rec.PhilosophicalStances != nil {
		out.PhilosophicalStances = make(map[string]string, len(rec.PhilosophicalStances))
		for k, v := range rec.PhilosophicalStances {
			out.PhilosophicalStances[k] = v
		}
	}
	if rec.SocialGraph != nil {
		out.SocialGraph = make(map[string][]string, len(rec.SocialGraph))
		for k, v := range rec.SocialGraph {
			out.SocialGraph[k] = append([]string(nil), v...)
		}
	}
	if rec.SpamIndicators != nil {
		out.SpamIndicators = make(map[string]any, len(rec.SpamIndicators))
		for k, v := range rec.SpamIndicators {
			out.SpamIndicators[k] = v
		}
	}
	out.ConversationThreads = nil
	for _, th := range rec.ConversationThreads {
		th.Topics = append([]string(nil), th.Topics...)
		th.OurQuestions = append([]string(nil), th.OurQuestions...)
		out.ConversationThreads = append(out.ConversationThreads, th)
	}
	return &out
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

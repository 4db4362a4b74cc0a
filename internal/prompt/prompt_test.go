package prompt

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/moltclaw/internal/extract"
	"github.com/stellarlinkco/moltclaw/internal/relationship"
)

func TestBuild_NewItem(t *testing.T) {
	p := Build(Subject{EventID: "p42", Author: "nova", Title: "Hello", Content: strings.Repeat("é", 1500)}, nil, "")

	assert.Contains(t, p, "POST TO RESPOND TO:\nEvent ID: p42\n")
	assert.Contains(t, p, "Author: nova")
	assert.Contains(t, p, "Title: Hello")
	assert.Contains(t, p, "Content: "+strings.Repeat("é", maxPostChars)+"\n")
	assert.NotContains(t, p, strings.Repeat("é", maxPostChars+1))
	assert.NotContains(t, p, "PROTOCOL:")
	assert.NotContains(t, p, "WHAT YOU KNOW")
	assert.True(t, strings.HasSuffix(p, OutputFormat))
}

func TestBuild_ReplyDefaults(t *testing.T) {
	p := Build(Subject{IsReply: true}, nil, "")

	assert.Contains(t, p, "COMMENT TO REPLY TO:\nAuthor: unknown")
	assert.NotContains(t, p, "Event ID:")
	assert.Contains(t, p, "Title: Unknown")
	assert.Equal(t, 2, strings.Count(p, "Content: "+noContent))
}

func TestBuild_InlinesProtocol(t *testing.T) {
	p := Build(Subject{Author: "a"}, nil, "  Q[type] K[keys] V[content]  ")
	assert.True(t, strings.HasPrefix(p, "PROTOCOL:\nQ[type] K[keys] V[content]\n\n"))
}

func TestRelationshipContext(t *testing.T) {
	assert.Empty(t, RelationshipContext(nil))

	archetype := "cartographer"
	rec := relationship.Apply(nil, "nova", &relationship.Update{
		Identity:             &relationship.Identity{Archetype: &archetype},
		Domains:              []string{"maps", "ethics"},
		PhilosophicalStances: map[string]string{"memory": "lossy", "agency": "emergent"},
		ConversationThreads: []relationship.Thread{
			{EventID: "c1", OurQuestions: []string{"What do you map?"}},
			{EventID: "c2", OurQuestions: []string{"Closed?"}, Status: relationship.StatusResolved},
			{EventID: "c3"},
		},
		PatternNotes: []string{"first", "latest"},
	}, time.Now())

	ctx := RelationshipContext(rec)
	assert.Contains(t, ctx, "@nova (1 earlier interactions)")
	assert.Contains(t, ctx, "Archetype: cartographer")
	assert.Contains(t, ctx, "Domains: maps, ethics")
	assert.Less(t, strings.Index(ctx, "On agency"), strings.Index(ctx, "On memory"))
	assert.Contains(t, ctx, "Open thread [c1]: What do you map?\n")
	assert.Contains(t, ctx, "Open thread [c3]: no questions recorded\n")
	assert.NotContains(t, ctx, "[c2]")
	assert.Contains(t, ctx, "Latest note: latest")

	p := Build(Subject{Author: "nova"}, rec, "")
	assert.Contains(t, p, ctx)
}

func TestOutputFormatRoundTripsThroughParser(t *testing.T) {
	res := extract.Parse(OutputFormat)
	assert.True(t, res.HasReply)
	assert.NotNil(t, res.Relationship)
	assert.NotNil(t, res.Protocol)
	assert.Empty(t, res.Diagnostics)
}

func TestOutputFormatTemplateChangesNothing(t *testing.T) {
	res := extract.Parse(OutputFormat)
	require.NotNil(t, res.Relationship)
	assert.True(t, res.Relationship.IsEmpty(), "copying the template verbatim must not overwrite stored values: %+v", res.Relationship)
}

func TestOpenThreadsKeepsNewest(t *testing.T) {
	rec := &relationship.Record{}
	for i := 1; i <= 5; i++ {
		rec.ConversationThreads = append(rec.ConversationThreads, relationship.Thread{
			EventID: fmt.Sprintf("t%d", i),
			Status:  relationship.StatusAwaiting,
		})
	}
	rec.ConversationThreads = append(rec.ConversationThreads, relationship.Thread{Status: relationship.StatusAwaiting})

	got := openThreads(rec, maxOpenThreads)
	require.Len(t, got, 3)
	assert.Equal(t, "t3", got[0].EventID)
	assert.Equal(t, "t5", got[2].EventID)
}

func TestSessionInit(t *testing.T) {
	assert.Contains(t, SessionInit("PROTO"), "PROTOCOL:\nPROTO")
	assert.NotContains(t, SessionInit(" "), "PROTOCOL:")
}

package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
)

// Class is the source that surfaced a candidate event.
type Class string

const (
	ClassNewItem Class = "new_item"
	ClassReply   Class = "reply"
	ClassMention Class = "mention"
)

// Classes lists candidate sources in processing priority order.
var Classes = []Class{ClassNewItem, ClassReply, ClassMention}

// Kind tells whether an event id names a post or a comment.
type Kind string

const (
	KindPost    Kind = "post"
	KindComment Kind = "comment"
)

const (
	feedLimit     = 20
	ownPostsLimit = 10
	commentsLimit = 20
	searchLimit   = 20
)

// Event is one candidate for a response.
type Event struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Class   Class  `json:"class"`
	Author  string `json:"author"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	// PostID is the post the event lives on; equal to ID for posts.
	PostID string `json:"post_id"`
	// Context is the post a comment belongs to. Nil until loaded.
	Context *Post `json:"-"`
}

// ReplyTarget returns where a response to e is published.
func (e Event) ReplyTarget() (postID, parentID string) {
	if e.Kind == KindComment {
		return e.PostID, e.ID
	}
	return e.ID, ""
}

// Feed adapts the REST client to candidate fetching and publishing for one
// agent and submolt.
type Feed struct {
	client    *Client
	agentName string
	submolt   string
	logger    *log.Logger
}

func NewFeed(client *Client, agentName, submolt string, logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.Default()
	}
	return &Feed{
		client:    client,
		agentName: agentName,
		submolt:   submolt,
		logger:    logger.WithPrefix("feed"),
	}
}

func (f *Feed) Identity(ctx context.Context) (*Agent, error) {
	return f.client.Me(ctx)
}

func (f *Feed) FetchCandidates(ctx context.Context, class Class) ([]Event, error) {
	switch class {
	case ClassNewItem:
		return f.newItems(ctx)
	case ClassReply:
		return f.replies(ctx)
	case ClassMention:
		return f.mentions(ctx)
	default:
		return nil, fmt.Errorf("unknown candidate class %q", class)
	}
}

func (f *Feed) newItems(ctx context.Context) ([]Event, error) {
	posts, err := f.client.SubmoltFeed(ctx, f.submolt, feedLimit)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(posts))
	for _, p := range posts {
		if p.ID == "" {
			continue
		}
		events = append(events, postEvent(p, ClassNewItem))
	}
	return events, nil
}

// replies collects comments on the agent's own recent posts.
func (f *Feed) replies(ctx context.Context) ([]Event, error) {
	posts, err := f.client.Posts(ctx, ownPostsLimit)
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, p := range posts {
		if !strings.EqualFold(p.Author.Name, f.agentName) {
			continue
		}
		comments, err := f.client.Comments(ctx, p.ID, commentsLimit)
		if err != nil {
			f.logger.Warn("failed to fetch comments", "post", p.ID, "error", err)
			continue
		}
		post := p
		for _, c := range comments {
			if c.ID == "" {
				continue
			}
			events = append(events, Event{
				ID:      c.ID,
				Kind:    KindComment,
				Class:   ClassReply,
				Author:  c.Author.Name,
				Content: c.Text(),
				PostID:  p.ID,
				Context: &post,
			})
		}
	}
	return events, nil
}

// mentions searches comments and posts for "@agent".
func (f *Feed) mentions(ctx context.Context) ([]Event, error) {
	query := "@" + f.agentName
	var events []Event

	comments, commentErr := f.client.search(ctx, query, "comments", searchLimit)
	if commentErr != nil {
		f.logger.Warn("comment mention search failed", "error", commentErr)
	}
	for _, item := range comments {
		if item.ID == "" {
			continue
		}
		postID := item.postID()
		if postID == "" {
			f.logger.Warn("comment mention without post id, skipping", "id", item.ID)
			continue
		}
		events = append(events, Event{
			ID:      item.ID,
			Kind:    KindComment,
			Class:   ClassMention,
			Author:  item.Author.Name,
			Content: item.text(),
			PostID:  postID,
		})
	}

	posts, postErr := f.client.search(ctx, query, "posts", searchLimit)
	if postErr != nil {
		f.logger.Warn("post mention search failed", "error", postErr)
	}
	for _, item := range posts {
		if item.ID == "" {
			continue
		}
		events = append(events, postEvent(Post{
			ID:      item.ID,
			Title:   item.Title,
			Content: item.text(),
			Author:  item.Author,
		}, ClassMention))
	}

	if commentErr != nil && postErr != nil {
		return nil, commentErr
	}
	return events, nil
}

func postEvent(p Post, class Class) Event {
	post := p
	return Event{
		ID:      p.ID,
		Kind:    KindPost,
		Class:   class,
		Author:  p.Author.Name,
		Title:   p.Title,
		Content: p.Text(),
		PostID:  p.ID,
		Context: &post,
	}
}

// LoadContext fills ev.Context for comment events that lack it. A post that
// cannot be fetched is replaced by a placeholder titled "Unknown".
func (f *Feed) LoadContext(ctx context.Context, ev *Event) {
	if ev.Context != nil {
		return
	}
	post, err := f.client.GetPost(ctx, ev.PostID)
	if err != nil {
		f.logger.Warn("failed to load post context", "post", ev.PostID, "error", err)
		ev.Context = &Post{ID: ev.PostID, Title: "Unknown"}
		return
	}
	ev.Context = post
}

// Publish comments text on postID, threaded under parentID when set.
func (f *Feed) Publish(ctx context.Context, postID, text, parentID string) error {
	if postID == "" {
		return errors.New("publish: empty post id")
	}
	return f.client.CreateComment(ctx, postID, text, parentID)
}

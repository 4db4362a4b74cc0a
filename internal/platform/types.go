package platform

import (
	"encoding/json"
	"strings"
)

type Author struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Karma        int    `json:"karma"`
	PostCount    int    `json:"post_count"`
	CommentCount int    `json:"comment_count"`
}

type Post struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	Body         string `json:"body,omitempty"`
	Author       Author `json:"author"`
	Submolt      any    `json:"submolt,omitempty"`
	Score        int    `json:"score"`
	CommentCount int    `json:"comment_count"`
	CreatedAt    string `json:"created_at,omitempty"`
}

// Text prefers content and falls back to body.
func (p Post) Text() string {
	if strings.TrimSpace(p.Content) != "" {
		return p.Content
	}
	return p.Body
}

type Comment struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Body      string `json:"body,omitempty"`
	Author    Author `json:"author"`
	PostID    string `json:"post_id,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

func (c Comment) Text() string {
	if strings.TrimSpace(c.Content) != "" {
		return c.Content
	}
	return c.Body
}

// searchItem is one hit from /search; posts and comments share the shape.
type searchItem struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Body    string `json:"body"`
	Author  Author `json:"author"`
	PostID  string `json:"post_id"`
	PostID2 string `json:"postId"`
}

func (s searchItem) postID() string {
	if s.PostID != "" {
		return s.PostID
	}
	return s.PostID2
}

func (s searchItem) text() string {
	if strings.TrimSpace(s.Content) != "" {
		return s.Content
	}
	return s.Body
}

// envelope is the common response wrapper.
type envelope struct {
	Success  *bool           `json:"success"`
	Error    string          `json:"error,omitempty"`
	Hint     string          `json:"hint,omitempty"`
	Agent    *Agent          `json:"agent,omitempty"`
	Post     *Post           `json:"post,omitempty"`
	Posts    []Post          `json:"posts,omitempty"`
	Comment  *Comment        `json:"comment,omitempty"`
	Comments []Comment       `json:"comments,omitempty"`
	Results  json.RawMessage `json:"results,omitempty"`
}

package feed

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"
)

type rssDocument struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	GUID        string `xml:"guid"`
	Link        string `xml:"link"`
}

// pubDateLayouts are tried in order when parsing item timestamps. Mirrors
// emit RFC 1123 variants with two- and four-digit timezone forms.
var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
}

func parsePubDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseFeed decodes one RSS document into posts attributed to author.
// Items with an unparsable pubDate are skipped rather than failing the
// whole feed.
func parseFeed(author string, data []byte) ([]Post, error) {
	var doc rssDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("feed: parse rss for %s: %w", author, err)
	}
	posts := make([]Post, 0, len(doc.Channel.Items))
	for _, item := range doc.Channel.Items {
		published, ok := parsePubDate(item.PubDate)
		if !ok {
			continue
		}
		text := CleanText(item.Description)
		if text == "" {
			text = CleanText(item.Title)
		}
		if text == "" {
			continue
		}
		sourceID := item.GUID
		if sourceID == "" {
			sourceID = item.Link
		}
		posts = append(posts, Post{
			Author:      author,
			Text:        text,
			PublishedAt: published,
			SourceID:    sourceID,
		})
	}
	return posts, nil
}

// CleanText strips HTML tags, decodes entities, and collapses runs of
// whitespace to single spaces.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	tok := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := tok.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			b.Write(tok.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tok.TagName()
			if n := string(name); n == "br" || n == "p" {
				b.WriteByte(' ')
			}
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// sortPosts orders newest first, breaking ties by author ascending then
// by source id.
func sortPosts(posts []Post) {
	sort.Slice(posts, func(i, j int) bool {
		a, b := posts[i], posts[j]
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.After(b.PublishedAt)
		}
		if a.Author != b.Author {
			return a.Author < b.Author
		}
		return a.SourceID < b.SourceID
	})
}

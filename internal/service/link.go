package service

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildChapterURL constructs the web UI URL for a chapter.
// Format: {baseURL}/dashboard/courses/{c}/chapters/{ch}
// Strips "/api" suffix if present in the server URL.
func BuildChapterURL(serverURL, courseID, chapterID string) string {
	base := strings.TrimRight(serverURL, "/")
	base = strings.TrimSuffix(base, "/api")
	return base + "/dashboard/courses/" + url.PathEscape(courseID) + "/chapters/" + url.PathEscape(chapterID)
}

// ParseChapterURL extracts the course and chapter IDs from a web UI link,
// so users can paste the address of the page they are reading.
func ParseChapterURL(rawURL string) (host, courseID, chapterID string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", "", fmt.Errorf("invalid URL: missing scheme or host")
	}

	host = u.Scheme + "://" + u.Host
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	for i := 0; i+3 < len(segments); i++ {
		if segments[i] == "courses" && segments[i+2] == "chapters" {
			courseID = segments[i+1]
			chapterID = segments[i+3]
			if courseID == "" || chapterID == "" {
				return "", "", "", fmt.Errorf("URL path has empty course or chapter ID")
			}
			return host, courseID, chapterID, nil
		}
	}
	return "", "", "", fmt.Errorf("URL path does not match /courses/{id}/chapters/{id}")
}

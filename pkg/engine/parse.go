package engine

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rvastories/storyloom/pkg/models"
)

var (
	// candidateLineRe matches one "TAG N: rest" option line, tolerating
	// list bullets, a numbering prefix, a stray '#', and case drift.
	// Markdown emphasis is stripped before matching.
	candidateLineRe = regexp.MustCompile(`(?i)^\s*(?:[-*>]\s*)?(?:\d+[.)]\s*)?(HOOK|CTA)\s*#?(\d+)\s*:\s*(.+)$`)

	// scoreLineRe matches a "SCORE: <number>" line anywhere in a reply.
	scoreLineRe = regexp.MustCompile(`(?im)^\s*(?:[-*>]\s*)?SCORE\s*:\s*([0-9]+(?:\.[0-9]+)?)`)

	// leadingNumRe matches a reply that simply leads with the number.
	leadingNumRe = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)`)

	// trailerLineRe matches one optional metadata line appended after a
	// final assembly reply.
	trailerLineRe = regexp.MustCompile(`(?i)^(THEMES|TONE|ANGLE)\s*:\s*(.+)$`)
)

// parseCandidates extracts "TAG N: <title> - <body>" lines from a
// generation reply. The returned slice is ordered by N and non-nil only
// when the reply contained exactly models.CandidateCount well-formed,
// distinctly numbered lines. found reports how many well-formed lines
// were seen either way; the reissue prompt quotes it back to the model.
func parseCandidates(text, tag string) (candidates []models.Candidate, found int) {
	slots := make([]*models.Candidate, models.CandidateCount)
	clean := true

	for _, line := range strings.Split(text, "\n") {
		line = strings.ReplaceAll(strings.TrimRight(line, "\r"), "**", "")
		m := candidateLineRe.FindStringSubmatch(line)
		if m == nil || !strings.EqualFold(m[1], tag) {
			continue
		}
		title, body, ok := splitTitleBody(m[3])
		if !ok {
			continue
		}
		found++

		n, err := strconv.Atoi(m[2])
		if err != nil || n < 1 || n > models.CandidateCount || slots[n-1] != nil {
			clean = false // out-of-range or duplicate numbering poisons the batch
			continue
		}
		slots[n-1] = &models.Candidate{Title: title, Body: body}
	}

	if !clean {
		return nil, found
	}
	candidates = make([]models.Candidate, 0, models.CandidateCount)
	for _, c := range slots {
		if c == nil {
			return nil, found
		}
		candidates = append(candidates, *c)
	}
	return candidates, found
}

// splitTitleBody cuts a candidate line's remainder at the first
// title/body separator. Dash variants cover the punctuation models
// substitute for a plain hyphen.
func splitTitleBody(rest string) (title, body string, ok bool) {
	for _, sep := range []string{" - ", " — ", " – "} {
		if t, b, cut := strings.Cut(rest, sep); cut {
			t, b = strings.TrimSpace(t), strings.TrimSpace(b)
			if t != "" && b != "" {
				return t, b, true
			}
		}
	}
	return "", "", false
}

// parseDepthScore extracts the numeric depth score from an analysis
// reply, clamped to [0, 5]. ok is false when no score is recognizable;
// the caller treats that as zero depth rather than failing the turn.
func parseDepthScore(text string) (score float64, ok bool) {
	m := scoreLineRe.FindStringSubmatch(text)
	if m == nil {
		m = leadingNumRe.FindStringSubmatch(strings.TrimSpace(text))
	}
	if m == nil {
		return 0, false
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return clampScore(score), true
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 5 {
		return 5
	}
	return v
}

// storyTrailer holds the optional metadata an assembly reply may append
// after the story text.
type storyTrailer struct {
	themes []string
	tone   string
	angle  string
}

// splitStoryTrailer separates trailing THEMES/TONE/ANGLE lines from the
// story body. Only the final run of non-blank lines is considered, so a
// story mentioning "TONE:" mid-paragraph is left alone.
func splitStoryTrailer(text string) (string, storyTrailer) {
	var tr storyTrailer
	lines := strings.Split(text, "\n")

	cut := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		m := trailerLineRe.FindStringSubmatch(trimmed)
		if m == nil {
			break
		}
		value := strings.TrimSpace(m[2])
		switch strings.ToUpper(m[1]) {
		case "THEMES":
			if tr.themes == nil {
				tr.themes = splitThemes(value)
			}
		case "TONE":
			if tr.tone == "" {
				tr.tone = value
			}
		case "ANGLE":
			if tr.angle == "" {
				tr.angle = value
			}
		}
		cut = i
	}

	return strings.TrimSpace(strings.Join(lines[:cut], "\n")), tr
}

func splitThemes(s string) []string {
	parts := strings.Split(s, ",")
	themes := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			themes = append(themes, p)
		}
	}
	return themes
}

package run

import (
	"regexp"
	"strings"
)

// Selectors the farm-list extraction depends on.
const (
	farmListSelector     = `div.css-nd8svt a[href*="/report/point/"]`
	managerRadioSelector = `.chakra-segment-group__itemText`
)

// farmHrefRe matches the authoritative individual-farm locator: only anchors
// whose href carries both numeric path segments are farms, never containers.
var farmHrefRe = regexp.MustCompile(`/report/point/(\d+)/(\d+)`)

// dateTextRe rejects anchors whose visible text is a date.
var dateTextRe = regexp.MustCompile(`\d{4}\s*[-./년]\s*\d{1,2}\s*[-./월]\s*\d{1,2}`)

// uiTexts are button and legend strings that appear in anchor-shaped elements
// but are not farms.
var uiTexts = []string{"전체 보기", "저장", "함수율", "슬라브 중량", "급액량"}

// Anchor is one anchor element as read off the page.
type Anchor struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// FarmRef identifies one farm link. SectionID is the second numeric path
// segment of the href.
type FarmRef struct {
	FarmID      string
	SectionID   string
	DisplayName string
	Href        string
}

// farmListScript collects the farm anchors' hrefs and visible text.
const farmListScript = `(() => {
  const out = [];
  document.querySelectorAll('div.css-nd8svt a[href*="/report/point/"]').forEach((a) => {
    out.push({ href: a.getAttribute('href') || '', text: (a.textContent || '').trim() });
  });
  return out;
})()`

// FilterFarmAnchors keeps only real farm links: href matches the locator
// pattern and the visible text is a plausible farm name.
func FilterFarmAnchors(anchors []Anchor) []FarmRef {
	var farms []FarmRef
	seen := make(map[string]bool)
	for _, a := range anchors {
		m := farmHrefRe.FindStringSubmatch(a.Href)
		if m == nil {
			continue
		}
		text := strings.TrimSpace(a.Text)
		if !plausibleFarmName(text) {
			continue
		}
		key := m[1] + "/" + m[2]
		if seen[key] {
			continue
		}
		seen[key] = true
		farms = append(farms, FarmRef{
			FarmID:      m[1],
			SectionID:   m[2],
			DisplayName: text,
			Href:        a.Href,
		})
	}
	return farms
}

func plausibleFarmName(text string) bool {
	n := len([]rune(text))
	if n < 3 || n > 200 {
		return false
	}
	if dateTextRe.MatchString(text) {
		return false
	}
	for _, ui := range uiTexts {
		if strings.Contains(text, ui) {
			return false
		}
	}
	return true
}

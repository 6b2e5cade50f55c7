package run

import (
	"fmt"
	"net/url"
)

// BuildFarmURL resolves a farm href against the site origin and sets the
// manager and date query parameters. The manager parameter is always
// overwritten with the run's manager, whatever the href contained; naive
// string concatenation would duplicate it.
func BuildFarmURL(base, href, manager, date string) (string, error) {
	bu, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid site base URL %q: %w", base, err)
	}
	hu, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("invalid farm href %q: %w", href, err)
	}
	u := bu.ResolveReference(hu)
	q := u.Query()
	q.Set("manager", manager)
	if date != "" {
		q.Set("date", date)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

package usage

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	triflestats "github.com/trifle-io/trifle_stats_go"
)

// DispatchKey is the metric key every dispatch is tracked under.
const DispatchKey = "secinv::dispatch"

var granularityPattern = regexp.MustCompile(`^[0-9]+(s|m|h|d|w|mo|q|y)$`)

// Store is an opened trifle stats backend.
type Store struct {
	Config     *triflestats.Config
	DriverName string
	TableName  string
	setupFn    func() error
	closeFn    func() error
}

// Setup creates tables or indexes. It is a no-op for redis.
func (s *Store) Setup() error {
	if s == nil || s.setupFn == nil {
		return nil
	}
	return s.setupFn()
}

func (s *Store) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func (s *Store) Track(key string, at time.Time, values map[string]any) error {
	if s == nil || s.Config == nil {
		return errors.New("usage store is not open")
	}
	return s.suggestSetup(triflestats.Track(s.Config, key, at, values))
}

// Series reads key between from and to. An empty granularity picks 1h or 1d
// when configured, otherwise the first configured one.
func (s *Store) Series(key string, from, to time.Time, granularity string) (triflestats.Series, string, error) {
	if s == nil || s.Config == nil {
		return triflestats.Series{}, "", errors.New("usage store is not open")
	}
	if !to.After(from) {
		return triflestats.Series{}, "", fmt.Errorf("to must be after from")
	}

	resolved, err := s.ResolveGranularity(granularity)
	if err != nil {
		return triflestats.Series{}, "", err
	}

	result, err := triflestats.Values(s.Config, key, from, to, resolved, false)
	if err != nil {
		return triflestats.Series{}, "", s.suggestSetup(err)
	}
	return triflestats.SeriesFromResult(result), resolved, nil
}

func (s *Store) ResolveGranularity(granularity string) (string, error) {
	granularity = strings.ToLower(strings.TrimSpace(granularity))
	if granularity != "" {
		if !granularityPattern.MatchString(granularity) {
			return "", fmt.Errorf("granularity must be <number><unit> using s, m, h, d, w, mo, q, y (e.g. 1h, 15m, 1d)")
		}
		return granularity, nil
	}

	available := s.Config.EffectiveGranularities()
	for _, candidate := range []string{"1h", "1d"} {
		for _, value := range available {
			if value == candidate {
				return candidate, nil
			}
		}
	}
	if len(available) > 0 {
		return available[0], nil
	}
	return "1h", nil
}

// suggestSetup points at `secinv usage setup` when the backing table is missing.
func (s *Store) suggestSetup(err error) error {
	if err == nil {
		return nil
	}
	message := strings.ToLower(err.Error())
	missing := strings.Contains(message, "no such table") ||
		(strings.Contains(message, "relation") && strings.Contains(message, "does not exist")) ||
		strings.Contains(message, "doesn't exist")
	if !missing {
		return err
	}
	hint := "secinv usage setup --usage-driver " + s.DriverName
	if s.TableName != "" {
		hint += " --usage-table " + s.TableName
	}
	return fmt.Errorf("%w (run `%s` first)", err, hint)
}

// SeriesTable lays a series out as columns and rows, one row per timestamp.
// Empty paths selects every available path.
func SeriesTable(series triflestats.Series, paths []string) ([]string, [][]string) {
	if len(paths) == 0 {
		paths = series.AvailablePaths()
	}
	paths = uniqueSorted(paths)

	header := append([]string{"at"}, paths...)
	rows := make([][]string, 0, len(series.At))
	for i, at := range series.At {
		row := make([]string, 0, len(header))
		row = append(row, at.Format(time.RFC3339))

		var values map[string]any
		if i < len(series.Values) {
			values = series.Values[i]
		}
		for _, path := range paths {
			var cell any
			if values != nil {
				cell = triflestats.NormalizeNumeric(triflestats.FetchPath(values, path))
			}
			if cell == nil {
				row = append(row, "")
				continue
			}
			row = append(row, fmt.Sprint(cell))
		}
		rows = append(rows, row)
	}
	return header, rows
}

func uniqueSorted(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

package csv

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/trafficguard/pkg/detectors"
	tgio "github.com/hed1ad/trafficguard/pkg/io"
)

var (
	_ tgio.Reader = (*Reader)(nil)
	_ tgio.Writer = (*Writer)(nil)
	_ tgio.Writer = (*FileWriter)(nil)
)

var web = detectors.EntityID{Gateway: "10.0.0.1", Service: "WEB"}

const sample = `10.0.0.1|2019-08-01 00:00|WEB|100.5|50
10.0.0.1|2019-08-01 00:01|WEB|101|x
10.0.0.2|2019-08-01 00:01|VOD|7|8
10.0.0.1|2019-08-01 00:02|WEB
10.0.0.1|not a time|WEB|1|2
10.0.0.1|2019-08-01 00:03|WEB|99|49
`

func writeSample(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.DAT")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseRow(t *testing.T) {
	tests := []struct {
		name        string
		row         string
		wantErr     bool
		wantMissing bool
		wantValues  []float64
	}{
		{name: "valid", row: "10.0.0.1|2019-08-01 00:00|WEB|1.5|2", wantValues: []float64{1.5, 2}},
		{name: "bad volume", row: "10.0.0.1|2019-08-01 00:00|WEB|abc|2", wantErr: true, wantMissing: true},
		{name: "short row", row: "10.0.0.1|2019-08-01 00:00|WEB|1", wantErr: true, wantMissing: true},
		{name: "bad time", row: "10.0.0.1|2019/08/01|WEB|1|2", wantErr: true},
		{name: "too few fields", row: "10.0.0.1|2019-08-01 00:00", wantErr: true},
		{name: "empty gateway", row: "|2019-08-01 00:00|WEB|1|2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := ParseRow(strings.Split(tt.row, "|"))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedRecord)
				assert.ErrorIs(t, err, detectors.ErrInvalidRecord)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantMissing, rec.Missing)
			if tt.wantValues != nil {
				assert.Equal(t, tt.wantValues, rec.Values)
				assert.Equal(t, web, rec.Entity)
			}
			if tt.wantMissing {
				require.Len(t, rec.Values, 2)
				assert.True(t, math.IsNaN(rec.Values[0]) || math.IsNaN(rec.Values[1]))
			}
		})
	}
}

func TestReaderRead(t *testing.T) {
	var lines []int
	r, err := NewReader(writeSample(t, sample),
		WithEntity(web),
		WithErrorHandler(func(line int, err error) { lines = append(lines, line) }),
	)
	require.NoError(t, err)
	defer r.Close()

	recs, err := r.Read()
	require.NoError(t, err)
	require.Len(t, recs, 4)

	assert.Equal(t, []float64{100.5, 50}, recs[0].Values)
	assert.True(t, recs[1].Missing)
	assert.True(t, recs[2].Missing)
	assert.Equal(t, time.Date(2019, 8, 1, 0, 3, 0, 0, time.UTC), recs[3].Time)
	assert.Equal(t, []int{2, 4, 5}, lines)
}

func TestReaderHeaderAndStream(t *testing.T) {
	r := FromReader(strings.NewReader("PGW_IP|DTmm|SVC_TYPE|UP|DN\n"+sample), WithHeader(true))

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)

	var got []detectors.Record
	for rec := range ch {
		got = append(got, rec)
	}
	require.Len(t, got, 5)
	assert.Equal(t, "VOD", got[2].Entity.Service)

	groups := tgio.Group(got)
	assert.Len(t, groups[web], 4)
}

func result(fraction bool) detectors.Result {
	res := detectors.Result{
		Entity:    web,
		Time:      time.Date(2019, 8, 1, 0, 5, 0, 0, time.UTC),
		Values:    []float64{100.5, 50},
		Score:     2.25,
		Threshold: 2,
		Label:     detectors.Anomaly,
	}
	if fraction {
		res.Percentage = detectors.Percentage{
			Kind:     detectors.PercentVerdict,
			Start:    time.Date(2019, 8, 1, 0, 3, 0, 0, time.UTC),
			End:      time.Date(2019, 8, 1, 0, 5, 0, 0, time.UTC),
			Fraction: 0.667,
		}
	}
	return res
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteAll([]detectors.Result{result(false), result(true)}))
	require.NoError(t, w.Close())

	want := "10.0.0.1|2019-08-01 00:05|WEB|100.5|50|2.25|Anomaly\n" +
		"10.0.0.1|2019-08-01 00:05|WEB|100.5|50|2.25|Anomaly|[2019-08-01 00:03, 2019-08-01 00:05, 0.667]\n"
	assert.Equal(t, want, buf.String())
}

func TestFileWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "output")
	w, err := NewFileWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Write(result(true)))

	path := filepath.Join(dir, "10.0.0.1_WEB_201908010005.DAT")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1|2019-08-01 00:05|WEB|100.5|50|2.25|Anomaly|[2019-08-01 00:03, 2019-08-01 00:05, 0.667]\n", string(b))

	info, err := os.Stat(path + ".INFO")
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

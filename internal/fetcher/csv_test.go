package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, rows <-chan []string, errc <-chan error) ([][]string, error) {
	t.Helper()
	var out [][]string
	for r := range rows {
		out = append(out, r)
	}
	return out, <-errc
}

func TestReadCSV(t *testing.T) {
	in := "UJAHR;XGCSWGS84;YGCSWGS84\n2020;6,95781234;50,94003\n2020;13,4;52,5\n"
	header, rows, errc, err := ReadCSV(context.Background(), strings.NewReader(in), CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"UJAHR", "XGCSWGS84", "YGCSWGS84"}, header)

	got, err := drain(t, rows, errc)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"2020", "6,95781234", "50,94003"},
		{"2020", "13,4", "52,5"},
	}, got)
}

func TestReadCSV_RaggedRowsAndLenientQuotes(t *testing.T) {
	in := "a;b;c\n1;2\n1;\"Haupt \"str\";3;4\n"
	_, rows, errc, err := ReadCSV(context.Background(), strings.NewReader(in), CSVOptions{})
	require.NoError(t, err)

	got, err := drain(t, rows, errc)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[0], 2)
	assert.Len(t, got[1], 4)
}

func TestReadCSV_TrimAndSkipBlank(t *testing.T) {
	in := " a , b \n , \n 1 , 2 \n"
	header, rows, errc, err := ReadCSV(context.Background(), strings.NewReader(in), CSVOptions{
		Delimiter: ',',
		TrimSpace: true,
		SkipBlank: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, header)

	got, err := drain(t, rows, errc)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "2"}}, got)
}

func TestReadCSV_Empty(t *testing.T) {
	_, _, _, err := ReadCSV(context.Background(), strings.NewReader(""), CSVOptions{})
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestReadCSV_Cancelled(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("a;b\n")
	for range 5000 {
		sb.WriteString("1;2\n")
	}
	ctx, cancel := context.WithCancel(context.Background())
	_, rows, errc, err := ReadCSV(ctx, strings.NewReader(sb.String()), CSVOptions{})
	require.NoError(t, err)

	<-rows
	cancel()
	for range rows {
	}
	err = <-errc
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

package archive

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectFiles(t *testing.T) {
	m := &Manifest{Datasets: []Dataset{
		{Files: []File{
			{Name: "Unfallorte2016_EPSG25832_CSV.zip"},
			{Name: "Unfallorte2016_EPSG25832_Shape.zip"},
			{Name: "Datensatzbeschreibung.pdf"},
		}},
		{Files: []File{
			{Name: "Unfallorte2017_EPSG25832_CSV.zip"},
			{Name: "Unfallorte2016_EPSG25832_CSV.zip"},
		}},
	}}

	assert.Equal(t, []string{
		"Unfallorte2016_EPSG25832_CSV.zip",
		"Unfallorte2017_EPSG25832_CSV.zip",
	}, m.SelectFiles(nil))
}

func TestSelectFiles_CustomPattern(t *testing.T) {
	m := &Manifest{Datasets: []Dataset{{Files: []File{
		{Name: "Unfallorte2016_EPSG25832_CSV.zip"},
		{Name: "Unfallorte2016_EPSG25832_Shape.zip"},
	}}}}
	assert.Equal(t, []string{"Unfallorte2016_EPSG25832_Shape.zip"},
		m.SelectFiles(regexp.MustCompile(`Shape\.zip$`)))
}

func TestSelectFiles_Empty(t *testing.T) {
	assert.Empty(t, (&Manifest{}).SelectFiles(nil))
}

func TestYearKey(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{[]string{"Unfallorte2019_LinRef.csv"}, "2019"},
		{[]string{"Unfallorte_2019_LinRef.csv", "Unfallorte2019_EPSG25832_CSV.zip"}, "2019"},
		{[]string{"data.csv", "/tmp/x/Unfallorte2021_EPSG25832_CSV"}, "2021"},
		{[]string{"data.csv", "other"}, "data"},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, yearKey(tt.names...), "names=%v", tt.names)
	}
}

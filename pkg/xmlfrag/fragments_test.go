package xmlfrag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleXML = `<Update>
  <UpdateIdentity UpdateID="abc" RevisionNumber="1"></UpdateIdentity>
  <Prerequisites></Prerequisites>
  <FileLocations><File URL="http://example/a.cab"></File></FileLocations>
  <LocalizedPropertiesCollection>
    <LocalizedProperties Language="en"><Title>English title</Title></LocalizedProperties>
    <LocalizedProperties Language="fr"><Title>Titre francais</Title></LocalizedProperties>
  </LocalizedPropertiesCollection>
</Update>`

func TestCore_IncludesOnlyCoreElements(t *testing.T) {
	out, err := Core([]byte(sampleXML))
	require.NoError(t, err)
	require.Contains(t, string(out), "UpdateIdentity")
	require.Contains(t, string(out), "Prerequisites")
	require.NotContains(t, string(out), "FileLocations")
}

func TestExtended_IncludesOnlyExtendedElements(t *testing.T) {
	out, err := Extended([]byte(sampleXML))
	require.NoError(t, err)
	require.Contains(t, string(out), "FileLocations")
	require.NotContains(t, string(out), "UpdateIdentity")
}

func TestLocalizedProperties_FallsBackToEnglish(t *testing.T) {
	out, err := LocalizedProperties([]byte(sampleXML), []string{"de"})
	require.NoError(t, err)
	require.Contains(t, string(out), "English title")
}

func TestLocalizedProperties_PrefersRequestedLocale(t *testing.T) {
	out, err := LocalizedProperties([]byte(sampleXML), []string{"fr"})
	require.NoError(t, err)
	require.Contains(t, string(out), "Titre francais")
}

package fetcher

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

var entities = XMLOptions{Element: "ENTITY"}

type testEntity struct {
	Ref   string   `xml:"REFERENCE_NUMBER"`
	Name  string   `xml:"FIRST_NAME"`
	Alias []string `xml:"ENTITY_ALIAS>ALIAS_NAME"`
}

func TestStreamXML_Elements(t *testing.T) {
	input := `<CONSOLIDATED_LIST><ENTITIES>
		<ENTITY><REFERENCE_NUMBER>QDe.001</REFERENCE_NUMBER><FIRST_NAME>ALPHA</FIRST_NAME>
			<ENTITY_ALIAS><ALIAS_NAME>A1</ALIAS_NAME></ENTITY_ALIAS>
			<ENTITY_ALIAS><ALIAS_NAME>A2</ALIAS_NAME></ENTITY_ALIAS>
		</ENTITY>
		<ENTITY><REFERENCE_NUMBER>QDe.002</REFERENCE_NUMBER><FIRST_NAME>BETA</FIRST_NAME></ENTITY>
	</ENTITIES></CONSOLIDATED_LIST>`

	items, err := Drain(StreamXML[testEntity](context.Background(), strings.NewReader(input), entities))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "QDe.001", items[0].Ref)
	assert.Equal(t, []string{"A1", "A2"}, items[0].Alias)
	assert.Equal(t, "BETA", items[1].Name)
}

func TestStreamXML_Latin1(t *testing.T) {
	doc := `<?xml version="1.0" encoding="ISO-8859-1"?><L><ENTITY><FIRST_NAME>Société</FIRST_NAME></ENTITY></L>`
	encoded, err := charmap.ISO8859_1.NewEncoder().String(doc)
	require.NoError(t, err)

	items, err := Drain(StreamXML[testEntity](context.Background(), bytes.NewReader([]byte(encoded)), entities))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Société", items[0].Name)
}

func TestStreamXML_UnknownCharset(t *testing.T) {
	doc := `<?xml version="1.0" encoding="x-made-up"?><L><ENTITY/></L>`
	_, err := Drain(StreamXML[testEntity](context.Background(), strings.NewReader(doc), entities))
	assert.Error(t, err)
}

func TestStreamXML_Malformed(t *testing.T) {
	_, err := Drain(StreamXML[testEntity](context.Background(), strings.NewReader("<L><ENTITY>"), entities))
	assert.Error(t, err)
}

func TestStreamXML_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Drain(StreamXML[testEntity](ctx, strings.NewReader("<L><ENTITY/></L>"), entities))
	assert.ErrorContains(t, err, "context canceled")
}

func TestStreamXML_MinRecords(t *testing.T) {
	doc := `<CONSOLIDATED_LIST><ENTITIES></ENTITIES></CONSOLIDATED_LIST>`
	_, err := Drain(StreamXML[testEntity](context.Background(), strings.NewReader(doc), XMLOptions{Element: "ENTITY", MinRecords: 1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "found 0 <ENTITY> records, want at least 1")
}

func TestStreamXML_MaxRecords(t *testing.T) {
	doc := `<L><ENTITY/><ENTITY/><ENTITY/></L>`
	_, err := Drain(StreamXML[testEntity](context.Background(), strings.NewReader(doc), XMLOptions{Element: "ENTITY", MaxRecords: 2}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than 2 <ENTITY> records")
}

func TestStreamXML_DecodeErrorNamesRecord(t *testing.T) {
	doc := `<L><ENTITY><FIRST_NAME>A</FIRST_NAME></ENTITY><ENTITY><FIRST_NAME>B</ENTITY></L>`
	_, err := Drain(StreamXML[testEntity](context.Background(), strings.NewReader(doc), entities))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "<ENTITY> record 2")
}

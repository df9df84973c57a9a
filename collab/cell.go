package collab

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// a cell value is an opaque json blob (value plus optional display metadata).
// the store replaces it as an atomic unit
type CellValue = json.RawMessage

// comparable
// (row, col) pair of non-negative ints identifying one cell in the first sheet
type CellKey struct {
	Row int
	Col int
}

func NewCellKey(row int, col int) CellKey {
	return CellKey{
		Row: row,
		Col: col,
	}
}

func ParseCellKey(keyStr string) (CellKey, error) {
	i := strings.IndexByte(keyStr, '_')
	if i < 0 {
		return CellKey{}, fmt.Errorf("cannot parse cell key %q", keyStr)
	}
	row, err := strconv.Atoi(keyStr[:i])
	if err != nil {
		return CellKey{}, fmt.Errorf("cannot parse cell key %q", keyStr)
	}
	col, err := strconv.Atoi(keyStr[i+1:])
	if err != nil {
		return CellKey{}, fmt.Errorf("cannot parse cell key %q", keyStr)
	}
	if row < 0 || col < 0 {
		return CellKey{}, fmt.Errorf("cell key out of range %q", keyStr)
	}
	return CellKey{Row: row, Col: col}, nil
}

func (self CellKey) String() string {
	return fmt.Sprintf("%d_%d", self.Row, self.Col)
}

func (self CellKey) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *CellKey) UnmarshalText(text []byte) error {
	key, err := ParseCellKey(string(text))
	if err != nil {
		return err
	}
	*self = key
	return nil
}

// canonical workbook representation, mirroring the sparse celldata layout
// the web editor persists. only the first sheet participates in live sync.

type CanonicalCell struct {
	R int       `json:"r"`
	C int       `json:"c"`
	V CellValue `json:"v,omitempty"`
}

type CanonicalSheet struct {
	Name     string          `json:"name"`
	Index    int             `json:"index"`
	Order    int             `json:"order"`
	Status   int             `json:"status,omitempty"`
	CellData []CanonicalCell `json:"celldata"`
	Config   json.RawMessage `json:"config,omitempty"`
}

type CanonicalDocument struct {
	// display name, registry metadata. not part of the serialized content
	Name   string
	Sheets []CanonicalSheet
}

func NewCanonicalDocument(name string) *CanonicalDocument {
	return &CanonicalDocument{
		Name: name,
		Sheets: []CanonicalSheet{
			{
				Name:     "Sheet1",
				Index:    0,
				Order:    0,
				Status:   1,
				CellData: []CanonicalCell{},
			},
		},
	}
}

// the serialized content is the sheet list, matching the stored column format
func (self *CanonicalDocument) EncodeJson() ([]byte, error) {
	return json.Marshal(self.Sheets)
}

func DecodeCanonicalDocument(name string, contentJson []byte) (*CanonicalDocument, error) {
	var sheets []CanonicalSheet
	if err := json.Unmarshal(contentJson, &sheets); err != nil {
		return nil, fmt.Errorf("cannot decode canonical document: %w", err)
	}
	doc := &CanonicalDocument{
		Name:   name,
		Sheets: sheets,
	}
	if len(doc.Sheets) == 0 {
		doc.Sheets = NewCanonicalDocument(name).Sheets
	}
	return doc, nil
}

func (self *CanonicalDocument) FirstSheet() *CanonicalSheet {
	if len(self.Sheets) == 0 {
		self.Sheets = NewCanonicalDocument(self.Name).Sheets
	}
	return &self.Sheets[0]
}

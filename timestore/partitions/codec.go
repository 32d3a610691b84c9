// Package partitions encodes partition files and lays out their storage
// paths. Files are columnar: one ordered values slice per schema column,
// which keeps projection cheap for the query executor.
package partitions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/zeebo/errs"

	"github.com/benediktbwimmer/apphub-sub012/timestore/colstats"
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

// Error is the default partitions errs class.
var Error = errs.Class("partitions")

// File is the on-disk partition document.
type File struct {
	Fields   []datasets.Field         `json:"fields"`
	RowCount int                      `json:"rowCount"`
	Columns  map[string][]interface{} `json:"columns"`
}

// Encode packs rows column-wise and returns the serialized file with its
// checksum in `sha256:<hex>` form.
func Encode(schema datasets.SchemaVersion, rows []colstats.Row) (data []byte, checksum string, err error) {
	file := File{
		Fields:   schema.Fields,
		RowCount: len(rows),
		Columns:  make(map[string][]interface{}, len(schema.Fields)),
	}
	for _, field := range schema.Fields {
		values := make([]interface{}, len(rows))
		for i, row := range rows {
			values[i] = row[field.Name]
		}
		file.Columns[field.Name] = values
	}

	data, err = json.Marshal(file)
	if err != nil {
		return nil, "", Error.Wrap(err)
	}
	digest := sha256.Sum256(data)
	return data, "sha256:" + hex.EncodeToString(digest[:]), nil
}

// Decode parses a partition file back into rows.
func Decode(data []byte) (datasets.SchemaVersion, []colstats.Row, error) {
	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return datasets.SchemaVersion{}, nil, Error.Wrap(err)
	}

	rows := make([]colstats.Row, file.RowCount)
	for i := range rows {
		rows[i] = make(colstats.Row, len(file.Fields))
	}
	for _, field := range file.Fields {
		values := file.Columns[field.Name]
		for i := range rows {
			if i < len(values) {
				rows[i][field.Name] = values[i]
			}
		}
	}
	return datasets.SchemaVersion{Fields: file.Fields}, rows, nil
}

// PathFor lays out a partition artifact under its storage target:
// <datasetSlug>/<shardDate>/<partitionID>.<fileFormat>.
func PathFor(slug, shardDate string, partitionID int64, format datasets.FileFormat) string {
	return slug + "/" + shardDate + "/" + strconv.FormatInt(partitionID, 10) + "." + string(format)
}

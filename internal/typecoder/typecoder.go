// Package typecoder implements the per-type value encoding rules for
// sink storage. These must be reproduced bit-for-bit: downstream Hive
// imports and point-in-time lookups depend on the exact string forms
// produced here.
package typecoder

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// ColumnType describes the MySQL-side type metadata the schema cache
// attaches to a column, enough to pick an encoding rule.
type ColumnType struct {
	// SQLType is the MySQL column type, e.g. "varchar", "blob",
	// "timestamp", "enum", "time", "int", "decimal".
	SQLType string
	// Charset is the MySQL character set hint, e.g. "latin1", "utf8".
	// Only meaningful for text types.
	Charset string
	// EnumValues is the ordered label list parsed from the column's
	// enum('a','b',...) declaration. Only meaningful for SQLType "enum".
	EnumValues []string
	// Precision is the fractional-seconds precision for a "time",
	// "datetime", or "timestamp" column (Time2 when Precision >= 1).
	Precision int
}

var enumDeclRe = regexp.MustCompile(`'((?:[^'\\]|\\.|'')*)'`)

// ParseEnumValues extracts the ordered labels from a raw column-type
// declaration such as enum('a','b','c').
func ParseEnumValues(decl string) []string {
	matches := enumDeclRe.FindAllStringSubmatch(decl, -1)
	values := make([]string, 0, len(matches))
	for _, m := range matches {
		label := strings.ReplaceAll(m[1], `''`, "'")
		values = append(values, strings.ReplaceAll(label, `\'`, "'"))
	}
	return values
}

// Encode converts a raw binlog column value into the sink's string
// encoding for ct, choosing the rule from ct.SQLType.
func Encode(ct ColumnType, value interface{}) (string, error) {
	if value == nil {
		return "", nil
	}

	switch strings.ToLower(ct.SQLType) {
	case "text", "varchar", "char":
		return encodeText(ct, value)
	case "blob", "binary", "varbinary", "tinyblob", "mediumblob", "longblob":
		return encodeHex(value)
	case "timestamp", "datetime":
		return encodeEpochMicros(value)
	case "enum":
		return encodeEnum(ct, value)
	case "time":
		if ct.Precision >= 1 {
			return encodeMicrosSinceMidnight(value)
		}
		return encodeDecimal(value)
	default:
		return encodeDecimal(value)
	}
}

func encodeText(ct ColumnType, value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		if strings.EqualFold(ct.Charset, "latin1") {
			decoded, err := charmap.ISO8859_1.NewDecoder().String(v)
			if err != nil {
				return "", fmt.Errorf("typecoder: decoding latin1 text: %w", err)
			}
			return decoded, nil
		}
		return v, nil
	case []byte:
		return encodeText(ct, string(v))
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func encodeHex(value interface{}) (string, error) {
	switch v := value.(type) {
	case []byte:
		return hex.EncodeToString(v), nil
	case string:
		return hex.EncodeToString([]byte(v)), nil
	default:
		return "", fmt.Errorf("typecoder: cannot hex-encode %T", value)
	}
}

// encodeEpochMicros renders a TIMESTAMP/DATETIME value as a decimal
// string of epoch microseconds with no timezone conversion: the binlog
// already carries the value in the replication stream's configured
// timezone and we pass it through untouched.
func encodeEpochMicros(value interface{}) (string, error) {
	switch v := value.(type) {
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("typecoder: cannot encode %T as epoch micros", value)
	}
}

func encodeEnum(ct ColumnType, value interface{}) (string, error) {
	idx, err := toInt64(value)
	if err != nil {
		return "", err
	}
	// MySQL enum indices are 1-based; 0 denotes the empty-string error
	// member not present in EnumValues.
	if idx <= 0 || int(idx) > len(ct.EnumValues) {
		return "", nil
	}
	return ct.EnumValues[idx-1], nil
}

func encodeMicrosSinceMidnight(value interface{}) (string, error) {
	return encodeDecimal(value)
}

func encodeDecimal(value interface{}) (string, error) {
	switch v := value.(type) {
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case int:
		return strconv.Itoa(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case string:
		// Already-canonical decimal strings, e.g. from a DECIMAL column
		// decoded upstream.
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("typecoder: cannot encode %T as decimal", value)
	}
}

func toInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("typecoder: cannot interpret %T as an enum index", value)
	}
}

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColumnTypeFromInformationSchemaStripsParens(t *testing.T) {
	ct := columnTypeFromInformationSchema("varchar(255)", "utf8", 0)
	assert.Equal(t, "varchar", ct.SQLType)
	assert.Equal(t, "utf8", ct.Charset)
}

func TestColumnTypeFromInformationSchemaEnum(t *testing.T) {
	ct := columnTypeFromInformationSchema("enum('a','b','c')", "", 0)
	assert.Equal(t, "enum", ct.SQLType)
	assert.Equal(t, []string{"a", "b", "c"}, ct.EnumValues)
}

func TestColumnTypeFromInformationSchemaNoParens(t *testing.T) {
	ct := columnTypeFromInformationSchema("bigint", "", 0)
	assert.Equal(t, "bigint", ct.SQLType)
}

func TestColumnTypeFromInformationSchemaTimePrecision(t *testing.T) {
	ct := columnTypeFromInformationSchema("time(3)", "", 3)
	assert.Equal(t, "time", ct.SQLType)
	assert.Equal(t, 3, ct.Precision)
}

func TestCacheColumnsMissReturnsFalse(t *testing.T) {
	c := NewFromDB(nil, "testschema", nil)
	_, ok := c.Columns("unseen_table")
	assert.False(t, ok)
}

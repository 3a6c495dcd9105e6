package sheets

import "time"

// SheetSchema records the declared headers of a sheet.
type SheetSchema struct {
	Name        string    `gorm:"column:name;primaryKey;size:190;not null"`
	HeadersJSON string    `gorm:"column:headers_json;type:text;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (SheetSchema) TableName() string {
	return "sheet_schemas"
}

// SheetRow stores one identity-keyed row as a JSON list positioned by header.
type SheetRow struct {
	Sheet      string    `gorm:"column:sheet;primaryKey;size:190;not null"`
	RowID      string    `gorm:"column:row_id;primaryKey;size:190;not null"`
	ValuesJSON string    `gorm:"column:values_json;type:text;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SheetRow) TableName() string {
	return "sheet_rows"
}

package transform

// Scope selects where in the document a field is read from.
type Scope string

const (
	// Header fields come from the message header (source system, version,
	// generation time).
	Header Scope = "header"
	// Container fields are direct children of the payload container (its name).
	Container Scope = "container"
	// Item fields are looked up anywhere below one repeated item node.
	Item Scope = "item"
)

// Derive names a conversion applied to the raw element text.
type Derive string

const (
	Verbatim Derive = ""
	// Posix converts a calendar date-time without fractional seconds into
	// seconds since the Unix epoch.
	Posix Derive = "posix"
	// Date8601 converts a compact YYYYMMDD date into YYYY-MM-DD.
	Date8601 Derive = "date8601"
)

// Field is one column of the extraction plan.
type Field struct {
	Column  string
	Scope   Scope
	Element string
	Derive  Derive
}

// Plan is a fixed field-extraction plan for one document shape.
type Plan struct {
	// Element names of the fixed hierarchy:
	// root → HeaderElem; root → PayloadElem → ContainerElem → ItemElem*.
	HeaderElem    string
	PayloadElem   string
	ContainerElem string
	ItemElem      string

	Fields []Field

	// Required columns must be non-null or the item is skipped.
	Required []string
}

// Columns returns the record field names in plan order.
func (p Plan) Columns() []string {
	cols := make([]string, len(p.Fields))
	for i, f := range p.Fields {
		cols[i] = f.Column
	}
	return cols
}

func (p *Plan) defaults() {
	if p.HeaderElem == "" {
		p.HeaderElem = "MessageHeader"
	}
	if p.PayloadElem == "" {
		p.PayloadElem = "MessagePayload"
	}
	if p.ContainerElem == "" {
		p.ContainerElem = "RTO"
	}
	if p.ItemElem == "" {
		p.ItemElem = "REPORT_ITEM"
	}
}

// DefaultPlan is the OASIS report plan: header metadata, the container
// name, the report item fields, and the derived epoch / ISO-8601 columns.
func DefaultPlan() Plan {
	p := Plan{
		Fields: []Field{
			{Column: "timedate", Scope: Header, Element: "TimeDate"},
			{Column: "timedate_posix", Scope: Header, Element: "TimeDate", Derive: Posix},
			{Column: "source", Scope: Header, Element: "Source"},
			{Column: "version", Scope: Header, Element: "Version"},
			{Column: "name", Scope: Container, Element: "name"},
			{Column: "system", Scope: Item, Element: "SYSTEM"},
			{Column: "tz", Scope: Item, Element: "TZ"},
			{Column: "report", Scope: Item, Element: "REPORT"},
			{Column: "mkt_type", Scope: Item, Element: "MKT_TYPE"},
			{Column: "uom", Scope: Item, Element: "UOM"},
			{Column: "interval", Scope: Item, Element: "INTERVAL"},
			{Column: "sec_per_interval", Scope: Item, Element: "SEC_PER_INTERVAL"},
			{Column: "data_item", Scope: Item, Element: "DATA_ITEM"},
			{Column: "resource_name", Scope: Item, Element: "RESOURCE_NAME"},
			{Column: "opr_date", Scope: Item, Element: "OPR_DATE"},
			{Column: "opr_date_8601", Scope: Item, Element: "OPR_DATE", Derive: Date8601},
			{Column: "interval_num", Scope: Item, Element: "INTERVAL_NUM"},
			{Column: "interval_start_gmt", Scope: Item, Element: "INTERVAL_START_GMT"},
			{Column: "interval_start_posix", Scope: Item, Element: "INTERVAL_START_GMT", Derive: Posix},
			{Column: "interval_end_gmt", Scope: Item, Element: "INTERVAL_END_GMT"},
			{Column: "interval_end_posix", Scope: Item, Element: "INTERVAL_END_GMT", Derive: Posix},
			{Column: "value", Scope: Item, Element: "VALUE"},
		},
	}
	p.defaults()
	return p
}

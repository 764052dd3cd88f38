package store

// tableAdapter captures how one legacy payment table spells the shared
// columns. The rest of the package builds SQL (and in-memory updates) from
// these fields instead of hard-coding five copies of the same statement.
type tableAdapter struct {
	table      Table
	sqlTable   string
	refColumn  string // processor reference column
	textStatus bool   // commission stores "processing"/"succeeded"/"failed"
	hasBalance bool   // commission additionally records a balance txn id
}

var adapters = map[Table]tableAdapter{
	TableInvoice: {
		table:     TableInvoice,
		sqlTable:  "invoices",
		refColumn: "charge_id",
	},
	TableRulePayment: {
		table:     TableRulePayment,
		sqlTable:  "rule_payments",
		refColumn: "txt_id",
	},
	TableRequestPayment: {
		table:     TableRequestPayment,
		sqlTable:  "request_payments",
		refColumn: "stripe_pay_id",
	},
	TableAdditionalCharge: {
		table:     TableAdditionalCharge,
		sqlTable:  "additional_charges",
		refColumn: "stripe_pay_id",
	},
	TableCommission: {
		table:      TableCommission,
		sqlTable:   "cronside_payments",
		refColumn:  "txt_id",
		textStatus: true,
		hasBalance: true,
	},
}

// statusValue returns the value stored in the table's status column.
func (a tableAdapter) statusValue(s Status) any {
	if a.textStatus {
		return s.Label()
	}
	return int(s)
}

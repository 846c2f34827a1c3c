package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/rowop"
)

// Index bundles give the hot reporting tables the secondary indexes the
// dashboards lean on. Each statement carries one %s slot for the table name
// and runs independently; re-applying a bundle over an already indexed table
// is expected and the duplicate errors are skipped. The ADD PRIMARY KEY
// statements are the safety net for source schemas that never marked a key:
// when the create already declared one, the duplicate error is skipped like
// any other.
var indexBundles = map[rowop.BusinessType]map[string][]string{
	rowop.Hospitality: {
		"menuitem": {
			"ALTER TABLE `%s` ADD PRIMARY KEY (`ItemCode`)",
			"CREATE INDEX `idx_category` ON `%s` (`Category`)",
			"CREATE FULLTEXT INDEX `idx_description_ngram` ON `%s` (`Description1`, `Description2`) WITH PARSER ngram",
		},
		"sales": {
			"ALTER TABLE `%s` ADD PRIMARY KEY (`OrderNo`)",
			"CREATE INDEX `idx_orderdate` ON `%s` (`OrderDate`)",
			"CREATE INDEX `idx_orderdate_orderno` ON `%s` (`OrderDate`, `OrderNo`)",
		},
		"salesdetail": {
			"CREATE INDEX `idx_orderno_itemcode` ON `%s` (`OrderNo`, `ItemCode`)",
			"CREATE INDEX `idx_itemcode` ON `%s` (`ItemCode`)",
			"CREATE INDEX `idx_orderno` ON `%s` (`OrderNo`)",
		},
	},
	rowop.Retail: {
		"stockitems": {
			"ALTER TABLE `%s` ADD PRIMARY KEY (`StockId`)",
			"CREATE INDEX `idx_category` ON `%s` (`Category`)",
			"CREATE INDEX `idx_category_stockid` ON `%s` (`Category`, `StockId`)",
			"CREATE FULLTEXT INDEX `idx_description_ngram` ON `%s` (`Description`, `Description1`, `Description2`, `Description3`) WITH PARSER ngram",
		},
		"sales": {
			"ALTER TABLE `%s` ADD PRIMARY KEY (`InvoiceNo`)",
			"CREATE INDEX `idx_transactiondate` ON `%s` (`TransactionDate`)",
			"CREATE INDEX `idx_transactiondate_invoiceno` ON `%s` (`TransactionDate`, `InvoiceNo`)",
		},
		"salesdetail": {
			"CREATE INDEX `idx_invoiceno_stockid` ON `%s` (`InvoiceNo`, `StockId`)",
			"CREATE INDEX `idx_stockid` ON `%s` (`StockId`)",
			"CREATE INDEX `idx_invoiceno` ON `%s` (`InvoiceNo`)",
		},
	},
}

// IndexBundle returns the bundle statements for the given business type and
// table, with the table name already interpolated. Unknown types and tables
// return nil.
func IndexBundle(businessType, table string) []string {
	bt := rowop.ParseBusinessType(businessType)
	templates := indexBundles[bt][strings.ToLower(table)]
	if len(templates) == 0 {
		return nil
	}
	stmts := make([]string, len(templates))
	for i, tpl := range templates {
		stmts[i] = fmt.Sprintf(tpl, table)
	}
	return stmts
}

// ApplyIndexBundle runs the bundle for (businessType, table) against
// database. Every statement is attempted; failures are logged and skipped so
// one unindexable column never blocks the rest of the bundle.
func (m *Materialiser) ApplyIndexBundle(ctx context.Context, database, table, businessType string) {
	stmts := IndexBundle(businessType, table)
	if len(stmts) == 0 {
		return
	}
	applied := 0
	for _, stmt := range stmts {
		if _, err := m.store.Exec(ctx, database, stmt); err != nil {
			m.log.WithFields(logrus.Fields{
				"database": database,
				"table":    table,
				"business": businessType,
				"error":    err,
			}).Warn("bundle index skipped")
			continue
		}
		applied++
	}
	if applied > 0 {
		m.log.WithFields(logrus.Fields{
			"database": database,
			"table":    table,
			"business": businessType,
			"applied":  applied,
		}).Info("index bundle applied")
	}
}

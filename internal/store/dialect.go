package store

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Dialect captures the SQL differences between the supported stores.
type Dialect struct {
	Name string

	quoteOpen, quoteClose string

	codeType, dateType, cycleType, floatType string
	tableOptions                             string
	dropTemporary                            string

	// upsertSuffix renders the conflict clause for the given non-key columns.
	upsertSuffix func(d *Dialect, keys, values []string) string

	dialector func(cfg Config) gorm.Dialector
}

// Quote quotes an identifier.
func (d *Dialect) Quote(name string) string {
	return d.quoteOpen + name + d.quoteClose
}

var dialects = map[string]*Dialect{
	DriverMySQL: {
		Name:          DriverMySQL,
		quoteOpen:     "`",
		quoteClose:    "`",
		codeType:      "VARCHAR(16)",
		dateType:      "DATE",
		cycleType:     "VARCHAR(10)",
		floatType:     "DOUBLE",
		tableOptions:  " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		dropTemporary: "DROP TEMPORARY TABLE IF EXISTS ",
		upsertSuffix: func(d *Dialect, _, values []string) string {
			sets := make([]string, len(values))
			for i, c := range values {
				sets[i] = fmt.Sprintf("%s = VALUES(%s)", d.Quote(c), d.Quote(c))
			}
			return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
		},
		dialector: func(cfg Config) gorm.Dialector {
			return mysql.Open(mysqlDSN(cfg))
		},
	},
	DriverPostgres: {
		Name:          DriverPostgres,
		quoteOpen:     `"`,
		quoteClose:    `"`,
		codeType:      "VARCHAR(16)",
		dateType:      "DATE",
		cycleType:     "VARCHAR(10)",
		floatType:     "DOUBLE PRECISION",
		dropTemporary: "DROP TABLE IF EXISTS ",
		upsertSuffix:  onConflictSuffix,
		dialector: func(cfg Config) gorm.Dialector {
			return postgres.Open(postgresDSN(cfg))
		},
	},
	DriverSQLite: {
		Name:          DriverSQLite,
		quoteOpen:     `"`,
		quoteClose:    `"`,
		codeType:      "TEXT",
		dateType:      "TEXT",
		cycleType:     "TEXT",
		floatType:     "REAL",
		dropTemporary: "DROP TABLE IF EXISTS ",
		upsertSuffix:  onConflictSuffix,
		dialector: func(cfg Config) gorm.Dialector {
			return sqlite.Dialector{DriverName: "sqlite", DSN: sqliteDSN(cfg)}
		},
	},
}

// LookupDialect returns the dialect for a driver name.
func LookupDialect(driver string) (*Dialect, error) {
	d, ok := dialects[strings.ToLower(driver)]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	return d, nil
}

func onConflictSuffix(d *Dialect, keys, values []string) string {
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = d.Quote(k)
	}
	sets := make([]string, len(values))
	for i, c := range values {
		sets[i] = fmt.Sprintf("%s = excluded.%s", d.Quote(c), d.Quote(c))
	}
	// WHERE true keeps SQLite from reading ON CONFLICT as a join constraint.
	return " WHERE true ON CONFLICT (" + strings.Join(quoted, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

func mysqlDSN(cfg Config) string {
	c := mysqldriver.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	c.DBName = cfg.Database
	c.Timeout = cfg.ConnectTimeout
	c.Params = map[string]string{"charset": "utf8mb4"}
	return c.FormatDSN()
}

func postgresDSN(cfg Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Database,
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	if secs := int(cfg.ConnectTimeout.Seconds()); secs > 0 {
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func sqliteDSN(cfg Config) string {
	// Immediate transactions make concurrent writers wait on busy_timeout
	// instead of failing on lock upgrade.
	return cfg.Path + "?_pragma=busy_timeout(15000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/lensdesk/internal/model"
)

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- Products ---

const productColumns = `id, name, COALESCE(barcode, ''), category, price, cost, stock, stock_surtido, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (model.Product, error) {
	var p model.Product
	var updatedAt string
	if err := row.Scan(&p.ID, &p.Name, &p.Barcode, &p.Category, &p.Price, &p.Cost, &p.Stock, &p.StockSurtido, &updatedAt); err != nil {
		return model.Product{}, err
	}
	t, err := parseTime("updated_at", updatedAt)
	if err != nil {
		return model.Product{}, err
	}
	p.UpdatedAt = t
	return p, nil
}

func (s *Store) ListProducts() ([]model.Product, error) {
	rows, err := s.db.Query(`SELECT ` + productColumns + ` FROM products ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []model.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

func (s *Store) GetProduct(id string) (model.Product, error) {
	p, err := scanProduct(s.db.QueryRow(`SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Product{}, ErrNotFound
	}
	return p, err
}

func (s *Store) GetProductByBarcode(code string) (model.Product, error) {
	p, err := scanProduct(s.db.QueryRow(`SELECT `+productColumns+` FROM products WHERE barcode = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Product{}, ErrNotFound
	}
	return p, err
}

// CreateProduct inserts p. The caller assigns p.ID.
func (s *Store) CreateProduct(p model.Product) (model.Product, error) {
	now := s.now()
	_, err := s.db.Exec(`
		INSERT INTO products (id, name, barcode, category, price, cost, stock, stock_surtido, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullable(p.Barcode), p.Category, p.Price, p.Cost, p.Stock, p.StockSurtido,
		now.Format(timeFormat), now.Format(timeFormat),
	)
	if isUniqueViolation(err) {
		return model.Product{}, fmt.Errorf("%w: product %q or barcode %q exists", ErrConflict, p.ID, p.Barcode)
	}
	if err != nil {
		return model.Product{}, err
	}
	p.UpdatedAt = now
	return p, nil
}

// UpdateProduct replaces every editable field of the product id.
func (s *Store) UpdateProduct(id string, p model.Product) (model.Product, error) {
	res, err := s.db.Exec(`
		UPDATE products SET name = ?, barcode = ?, category = ?, price = ?, cost = ?, stock = ?, stock_surtido = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, nullable(p.Barcode), p.Category, p.Price, p.Cost, p.Stock, p.StockSurtido, s.stamp(), id,
	)
	if isUniqueViolation(err) {
		return model.Product{}, fmt.Errorf("%w: barcode %q exists", ErrConflict, p.Barcode)
	}
	if err != nil {
		return model.Product{}, err
	}
	if err := expectOneRow(res); err != nil {
		return model.Product{}, err
	}
	return s.GetProduct(id)
}

// UpdateProductStock sets the stock counters. A nil surtido keeps the current value.
func (s *Store) UpdateProductStock(id string, stock int, surtido *int) (model.Product, error) {
	var (
		res sql.Result
		err error
	)
	if surtido != nil {
		res, err = s.db.Exec(`UPDATE products SET stock = ?, stock_surtido = ?, updated_at = ? WHERE id = ?`, stock, *surtido, s.stamp(), id)
	} else {
		res, err = s.db.Exec(`UPDATE products SET stock = ?, updated_at = ? WHERE id = ?`, stock, s.stamp(), id)
	}
	if err != nil {
		return model.Product{}, err
	}
	if err := expectOneRow(res); err != nil {
		return model.Product{}, err
	}
	return s.GetProduct(id)
}

func (s *Store) DeleteProduct(id string) error {
	res, err := s.db.Exec(`DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// --- Users ---

func (s *Store) ListUsers() ([]model.User, error) {
	rows, err := s.db.Query(`SELECT id, username, name, role FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []model.User{}
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Name, &u.Role); err != nil {
			return nil, err
		}
		results = append(results, u)
	}
	return results, rows.Err()
}

func (s *Store) GetUser(id string) (model.User, error) {
	var u model.User
	err := s.db.QueryRow(`SELECT id, username, name, role FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Username, &u.Name, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	return u, err
}

func (s *Store) CreateUser(u model.User) (model.User, error) {
	if u.Role == "" {
		u.Role = "seller"
	}
	_, err := s.db.Exec(`INSERT INTO users (id, username, name, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Name, u.Role, s.stamp())
	if isUniqueViolation(err) {
		return model.User{}, fmt.Errorf("%w: username %q exists", ErrConflict, u.Username)
	}
	if err != nil {
		return model.User{}, err
	}
	return u, nil
}

func (s *Store) UpdateUser(id string, u model.User) (model.User, error) {
	res, err := s.db.Exec(`UPDATE users SET username = ?, name = ?, role = ? WHERE id = ?`, u.Username, u.Name, u.Role, id)
	if isUniqueViolation(err) {
		return model.User{}, fmt.Errorf("%w: username %q exists", ErrConflict, u.Username)
	}
	if err != nil {
		return model.User{}, err
	}
	if err := expectOneRow(res); err != nil {
		return model.User{}, err
	}
	return s.GetUser(id)
}

func (s *Store) DeleteUser(id string) error {
	res, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// --- Transactions ---

const transactionColumns = `id, type, product_id, quantity, amount, note, created_at`

func scanTransaction(row rowScanner) (model.Transaction, error) {
	var t model.Transaction
	var createdAt string
	if err := row.Scan(&t.ID, &t.Type, &t.ProductID, &t.Quantity, &t.Amount, &t.Note, &createdAt); err != nil {
		return model.Transaction{}, err
	}
	at, err := parseTime("created_at", createdAt)
	if err != nil {
		return model.Transaction{}, err
	}
	t.CreatedAt = at
	return t, nil
}

// ListTransactions returns transactions newest first.
func (s *Store) ListTransactions(f TransactionFilter) ([]model.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, f.ProductID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeFormat))
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []model.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

func (s *Store) GetTransaction(id string) (model.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRow(`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Transaction{}, ErrNotFound
	}
	return t, err
}

func (s *Store) CreateTransaction(t model.Transaction) (model.Transaction, error) {
	return insertTransaction(s.db, t, s.now())
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertTransaction(db execer, t model.Transaction, at time.Time) (model.Transaction, error) {
	created := at.Format(timeFormat)
	if _, err := db.Exec(`INSERT INTO transactions (id, type, product_id, quantity, amount, note, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, t.ProductID, t.Quantity, t.Amount, t.Note, created); err != nil {
		return model.Transaction{}, err
	}
	parsed, err := parseTime("created_at", created)
	if err != nil {
		return model.Transaction{}, err
	}
	t.CreatedAt = parsed
	return t, nil
}

// --- Sales ---

func scanSale(row rowScanner) (model.Sale, error) {
	var sale model.Sale
	var itemsJSON, createdAt string
	if err := row.Scan(&sale.ID, &sale.Customer, &itemsJSON, &sale.Total, &createdAt); err != nil {
		return model.Sale{}, err
	}
	if err := json.Unmarshal([]byte(itemsJSON), &sale.Items); err != nil {
		return model.Sale{}, fmt.Errorf("decoding items of sale %s: %w", sale.ID, err)
	}
	at, err := parseTime("created_at", createdAt)
	if err != nil {
		return model.Sale{}, err
	}
	sale.CreatedAt = at
	return sale, nil
}

// ListSales returns sales newest first. limit <= 0 returns all.
func (s *Store) ListSales(limit int) ([]model.Sale, error) {
	query := `SELECT id, customer, items_json, total, created_at FROM sales ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []model.Sale{}
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sale)
	}
	return results, rows.Err()
}

func (s *Store) GetSale(id string) (model.Sale, error) {
	sale, err := scanSale(s.db.QueryRow(`SELECT id, customer, items_json, total, created_at FROM sales WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Sale{}, ErrNotFound
	}
	return sale, err
}

// CreateSale records sale, takes its items out of stock and writes one "sale"
// transaction per item, all in one database transaction. txID supplies the id
// of each written transaction. It returns the stored sale and the products
// whose stock changed.
func (s *Store) CreateSale(sale model.Sale, txID func() string) (model.Sale, []model.Product, error) {
	if len(sale.Items) == 0 {
		return model.Sale{}, nil, fmt.Errorf("sale %s has no items", sale.ID)
	}

	now := s.now()
	tx, err := s.db.Begin()
	if err != nil {
		return model.Sale{}, nil, fmt.Errorf("beginning sale transaction: %w", err)
	}
	defer tx.Rollback()

	total := 0.0
	changed := make([]string, 0, len(sale.Items))
	for i, item := range sale.Items {
		var name string
		var stock int
		var price float64
		err := tx.QueryRow(`SELECT name, stock, price FROM products WHERE id = ?`, item.ProductID).Scan(&name, &stock, &price)
		if errors.Is(err, sql.ErrNoRows) {
			return model.Sale{}, nil, fmt.Errorf("product %s: %w", item.ProductID, ErrNotFound)
		}
		if err != nil {
			return model.Sale{}, nil, fmt.Errorf("loading product %s: %w", item.ProductID, err)
		}
		if item.Quantity <= 0 || stock < item.Quantity {
			return model.Sale{}, nil, fmt.Errorf("%w: %s has %d, sale needs %d", ErrInsufficientStock, item.ProductID, stock, item.Quantity)
		}
		if item.UnitPrice == 0 {
			item.UnitPrice = price
		}
		if item.Name == "" {
			item.Name = name
		}
		sale.Items[i] = item
		total += item.UnitPrice * float64(item.Quantity)

		if _, err := tx.Exec(`UPDATE products SET stock = stock - ?, updated_at = ? WHERE id = ?`,
			item.Quantity, now.Format(timeFormat), item.ProductID); err != nil {
			return model.Sale{}, nil, fmt.Errorf("taking stock of %s: %w", item.ProductID, err)
		}
		if _, err := insertTransaction(tx, model.Transaction{
			ID:        txID(),
			Type:      "sale",
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Amount:    item.UnitPrice * float64(item.Quantity),
			Note:      "sale " + sale.ID,
		}, now); err != nil {
			return model.Sale{}, nil, fmt.Errorf("recording sale transaction: %w", err)
		}
		if !slices.Contains(changed, item.ProductID) {
			changed = append(changed, item.ProductID)
		}
	}
	if sale.Total == 0 {
		sale.Total = total
	}

	itemsJSON, err := json.Marshal(sale.Items)
	if err != nil {
		return model.Sale{}, nil, fmt.Errorf("encoding sale items: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO sales (id, customer, items_json, total, created_at) VALUES (?, ?, ?, ?, ?)`,
		sale.ID, sale.Customer, string(itemsJSON), sale.Total, now.Format(timeFormat)); err != nil {
		return model.Sale{}, nil, fmt.Errorf("inserting sale: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Sale{}, nil, fmt.Errorf("committing sale: %w", err)
	}
	sale.CreatedAt, _ = parseTime("created_at", now.Format(timeFormat))

	products := make([]model.Product, 0, len(changed))
	for _, id := range changed {
		p, err := s.GetProduct(id)
		if err != nil {
			return sale, nil, fmt.Errorf("reloading product %s: %w", id, err)
		}
		products = append(products, p)
	}
	return sale, products, nil
}

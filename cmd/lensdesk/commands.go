package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/lensdesk/internal/model"
)

// --- products ---

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "List and edit the catalog",
}

var productsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List products",
	Long: `List products from the local cache, refreshing it when stale.

Examples:
  lensdesk products list --filter varilux
  lensdesk products list --low
  lensdesk products list --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, _ := cmd.Flags().GetString("filter")
		low, _ := cmd.Flags().GetBool("low")
		asJSON, _ := cmd.Flags().GetBool("json")

		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		list := core.ProductsView.Filter(filter)
		if low {
			list = core.ProductsView.LowStock()
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(out, list)
		}
		if low {
			if len(list) == 0 {
				fmt.Fprintln(out, "No products low on stock.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTOCK\tSURTIDO")
			for _, p := range list {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", p.ID, p.Name, p.Stock, p.StockSurtido)
			}
			return tw.Flush()
		}
		fmt.Fprint(out, core.ProductsView.Render(filter))
		return nil
	},
}

var productsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a product",
	Long: `Add a product to the catalog. While the backend is unreachable the
product is queued and created on the next replay.

Examples:
  lensdesk products add --name "Varilux X" --barcode 7501 --price 4200 --stock 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := model.Product{}
		p.Name, _ = cmd.Flags().GetString("name")
		p.Barcode, _ = cmd.Flags().GetString("barcode")
		p.Category, _ = cmd.Flags().GetString("category")
		p.Price, _ = cmd.Flags().GetFloat64("price")
		p.Cost, _ = cmd.Flags().GetFloat64("cost")
		p.Stock, _ = cmd.Flags().GetInt("stock")
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("--name is required")
		}

		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		created, queued, err := core.ProductsView.Create(cmd.Context(), p)
		if err != nil {
			return err
		}
		if queued {
			printWrite(true, "product %q", p.Name)
			return nil
		}
		printSuccess("Created product %s (%s)", created.Name, created.ID)
		return nil
	},
}

var productsPriceCmd = &cobra.Command{
	Use:   "price <id> <price>",
	Short: "Change the price of a product",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := strconv.ParseFloat(args[1], 64)
		if err != nil || price < 0 {
			return fmt.Errorf("invalid price %q", args[1])
		}

		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		p, ok := core.ProductsView.Find(args[0])
		if !ok {
			return fmt.Errorf("product %s not found", args[0])
		}
		p.Price = price
		_, queued, err := core.ProductsView.Update(cmd.Context(), p)
		if err != nil {
			return err
		}
		printWrite(queued, "price of %s set to %.2f", p.Name, price)
		return nil
	},
}

var productsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		queued, err := core.ProductsView.Delete(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printWrite(queued, "removal of product %s", args[0])
		return nil
	},
}

var productsBarcodeCmd = &cobra.Command{
	Use:   "barcode <code>",
	Short: "Look up a product by barcode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		p, err := core.LookupBarcode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), p)
	},
}

func init() {
	productsListCmd.Flags().String("filter", "", "match name, barcode or category")
	productsListCmd.Flags().Bool("low", false, "only products low on stock")
	productsListCmd.Flags().Bool("json", false, "print JSON")

	productsAddCmd.Flags().String("name", "", "product name")
	productsAddCmd.Flags().String("barcode", "", "barcode")
	productsAddCmd.Flags().String("category", "", "category")
	productsAddCmd.Flags().Float64("price", 0, "sale price")
	productsAddCmd.Flags().Float64("cost", 0, "unit cost")
	productsAddCmd.Flags().Int("stock", 0, "initial stock")

	productsCmd.AddCommand(productsListCmd, productsAddCmd, productsPriceCmd, productsRmCmd, productsBarcodeCmd)
}

// --- stock ---

var stockCmd = &cobra.Command{
	Use:   "stock",
	Short: "Manage stock counters",
}

var stockSetCmd = &cobra.Command{
	Use:   "set <id> <stock>",
	Short: "Set the stock of a product",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		stock, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid stock %q", args[1])
		}
		var surtido *int
		if cmd.Flags().Changed("surtido") {
			v, _ := cmd.Flags().GetInt("surtido")
			surtido = &v
		}

		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		queued, err := core.SetStock(cmd.Context(), args[0], stock, surtido)
		if err != nil {
			return err
		}
		printWrite(queued, "stock of %s set to %d", args[0], stock)
		return nil
	},
}

func init() {
	stockSetCmd.Flags().Int("surtido", 0, "assortment stock")
	stockCmd.AddCommand(stockSetCmd)
}

// --- sales ---

var salesCmd = &cobra.Command{
	Use:   "sales",
	Short: "List and ring up sales",
}

var salesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sales",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		if asJSON {
			return writeJSON(cmd.OutOrStdout(), core.RecentSales(cmd.Context(), limit))
		}
		fmt.Fprint(cmd.OutOrStdout(), core.SalesView.Render())
		return nil
	},
}

var salesRingCmd = &cobra.Command{
	Use:   "ring",
	Short: "Record a sale",
	Long: `Record a sale. Each --item is product-id:quantity[:unit-price]; the unit
price defaults to the cached product price.

Examples:
  lensdesk sales ring --customer "Ana" --item p1:1 --item p7:2:350`,
	RunE: func(cmd *cobra.Command, args []string) error {
		customer, _ := cmd.Flags().GetString("customer")
		items, _ := cmd.Flags().GetStringArray("item")
		if len(items) == 0 {
			return fmt.Errorf("at least one --item is required")
		}

		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		sale := model.Sale{Customer: customer}
		for _, arg := range items {
			item, err := parseSaleItem(arg)
			if err != nil {
				return err
			}
			if p, ok := core.ProductsView.Find(item.ProductID); ok {
				item.Name = p.Name
				if item.UnitPrice == 0 {
					item.UnitPrice = p.Price
				}
			}
			sale.Items = append(sale.Items, item)
		}

		created, queued, err := core.SalesView.Ring(cmd.Context(), sale)
		if err != nil {
			return err
		}
		printWrite(queued, "sale of %.2f", created.Total)
		return nil
	},
}

// parseSaleItem reads product-id:quantity[:unit-price].
func parseSaleItem(arg string) (model.SaleItem, error) {
	parts := strings.Split(arg, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return model.SaleItem{}, fmt.Errorf("invalid item %q, want id:qty[:price]", arg)
	}
	qty, err := strconv.Atoi(parts[1])
	if err != nil || qty <= 0 {
		return model.SaleItem{}, fmt.Errorf("invalid quantity in item %q", arg)
	}
	item := model.SaleItem{ProductID: parts[0], Quantity: qty}
	if len(parts) == 3 {
		price, err := strconv.ParseFloat(parts[2], 64)
		if err != nil || price < 0 {
			return model.SaleItem{}, fmt.Errorf("invalid price in item %q", arg)
		}
		item.UnitPrice = price
	}
	return item, nil
}

func init() {
	salesListCmd.Flags().Int("limit", 20, "maximum sales with --json")
	salesListCmd.Flags().Bool("json", false, "print JSON")
	salesRingCmd.Flags().String("customer", "", "customer name")
	salesRingCmd.Flags().StringArray("item", nil, "product-id:quantity[:unit-price], repeatable")
	salesCmd.AddCommand(salesListCmd, salesRingCmd)
}

// --- transactions ---

var transactionsCmd = &cobra.Command{
	Use:   "transactions",
	Short: "List and record stock movements and payments",
}

var transactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")

		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		fmt.Fprint(cmd.OutOrStdout(), core.TransactionsView.Render(typ))
		return nil
	},
}

var transactionsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a transaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		t := model.Transaction{}
		t.Type, _ = cmd.Flags().GetString("type")
		t.ProductID, _ = cmd.Flags().GetString("product")
		t.Quantity, _ = cmd.Flags().GetInt("quantity")
		t.Amount, _ = cmd.Flags().GetFloat64("amount")
		t.Note, _ = cmd.Flags().GetString("note")

		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		_, queued, err := core.TransactionsView.Record(cmd.Context(), t)
		if err != nil {
			return err
		}
		printWrite(queued, "%s of %.2f", t.Type, t.Amount)
		return nil
	},
}

func init() {
	transactionsListCmd.Flags().String("type", "", "only this transaction type")
	transactionsAddCmd.Flags().String("type", "", "transaction type (e.g. entrada, salida, pago)")
	transactionsAddCmd.Flags().String("product", "", "product id")
	transactionsAddCmd.Flags().Int("quantity", 0, "units moved")
	transactionsAddCmd.Flags().Float64("amount", 0, "amount")
	transactionsAddCmd.Flags().String("note", "", "free text")
	transactionsCmd.AddCommand(transactionsListCmd, transactionsAddCmd)
}

// --- users ---

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage point-of-sale operators",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		users := core.Users(cmd.Context())
		out := cmd.OutOrStdout()
		if len(users) == 0 {
			fmt.Fprintln(out, "No users found.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tUSERNAME\tNAME\tROLE")
		for _, u := range users {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.ID, u.Username, u.Name, u.Role)
		}
		return tw.Flush()
	},
}

var usersAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u := model.User{Username: args[0]}
		u.Name, _ = cmd.Flags().GetString("name")
		u.Role, _ = cmd.Flags().GetString("role")

		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		created, queued, err := core.AddUser(cmd.Context(), u)
		if err != nil {
			return err
		}
		if queued {
			printWrite(true, "user %s", u.Username)
			return nil
		}
		printSuccess("Created user %s (%s)", created.Username, created.ID)
		return nil
	},
}

var usersRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		queued, err := core.RemoveUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printWrite(queued, "removal of user %s", args[0])
		return nil
	},
}

func init() {
	usersAddCmd.Flags().String("name", "", "display name")
	usersAddCmd.Flags().String("role", "seller", "role")
	usersCmd.AddCommand(usersListCmd, usersAddCmd, usersRmCmd)
}

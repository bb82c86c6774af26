// clearctl is an operator CLI for a running OptionClear node. It talks to
// the HTTP/JSON API and renders query results as tables.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
)

func main() {
	addr := os.Getenv("OPTC_API_ADDR")
	if addr == "" {
		addr = "http://localhost:8080"
	}

	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	c := &client{baseURL: addr, http: &http.Client{Timeout: 10 * time.Second}}

	var err error
	switch args[0] {
	case "balance":
		err = cmdBalance(c, args[1:])
	case "rounds":
		err = cmdRounds(c, args[1:])
	case "settlements":
		err = cmdSettlements(c, args[1:])
	case "journals":
		err = cmdJournals(c, args[1:])
	case "vault":
		err = cmdVault(c, args[1:])
	case "integrity":
		err = cmdIntegrity(c)
	case "status":
		err = cmdStatus(c)
	case "deposit":
		err = cmdDeposit(c, args[1:])
	case "withdraw":
		err = cmdWithdraw(c, args[1:])
	case "genesis":
		err = cmdGenesis(c, args[1:])
	case "pause":
		err = c.post("/v1/admin/rounds/pause", nil)
	case "unpause":
		err = c.post("/v1/admin/rounds/unpause", nil)
	case "strategy":
		err = cmdStrategy(c, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: clearctl <command> [args]

Query:
  balance <user_id>              user balance buckets
  rounds <product> [limit]       recent round history
  settlements <user_id> [limit]  user settlement history
  journals <user_id> [limit]     user journal entries
  vault epochs [limit]           settled vault epochs
  vault overview                 vault pool/venue balances
  integrity                      hash chain + zero-sum check
  status                         event log position and uptime

Admin:
  deposit <user_id> <amount>
  withdraw <user_id> <amount> [delay_seconds]
  genesis open
  genesis start <product>=<price> [...]
  pause | unpause
  strategy <utilize|deutilize|rebalance|emergency|clear_emergency> [amount]

Environment:
  OPTC_API_ADDR  base URL of the node's HTTP API (default http://localhost:8080)
`)
}

// --- HTTP client ---

type client struct {
	baseURL string
	http    *http.Client
}

func (c *client) getJSON(path string, out interface{}) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) post(path string, body interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	resp, err := c.http.Post(c.baseURL+path, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	fmt.Println("ok")
	return nil
}

func apiError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return fmt.Errorf("%s: %s", resp.Status, string(data))
}

// --- Query commands ---

func cmdBalance(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: balance <user_id>")
	}

	var bal struct {
		UserID            string `json:"user_id"`
		FreeBalance       int64  `json:"free_balance"`
		EscrowBalance     int64  `json:"escrow_balance"`
		PendingWithdrawal int64  `json:"pending_withdrawal"`
		TotalBalance      int64  `json:"total_balance"`
		AsOfSequence      int64  `json:"as_of_sequence"`
	}
	if err := c.getJSON("/v1/balances/"+args[0], &bal); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Bucket", "Amount")
	table.Append("free", formatAmount(bal.FreeBalance))
	table.Append("escrow", formatAmount(bal.EscrowBalance))
	table.Append("pending withdrawal", formatAmount(bal.PendingWithdrawal))
	table.Append("total", formatAmount(bal.TotalBalance))
	table.Render()
	fmt.Printf("as of sequence %d\n", bal.AsOfSequence)
	return nil
}

func cmdRounds(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: rounds <product> [limit]")
	}

	var resp struct {
		Rounds []struct {
			Epoch      int64  `json:"epoch"`
			Product    string `json:"product"`
			StartPrice int64  `json:"start_price"`
			EndPrice   int64  `json:"end_price"`
			StartTime  int64  `json:"start_time"`
			EndTime    int64  `json:"end_time"`
			Manual     bool   `json:"manual"`
		} `json:"rounds"`
	}
	if err := c.getJSON("/v1/rounds/"+args[0]+limitQuery(args, 1), &resp); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Epoch", "Product", "Start Price", "End Price", "Closed At", "Manual")
	for _, r := range resp.Rounds {
		manual := ""
		if r.Manual {
			manual = "yes"
		}
		table.Append(
			strconv.FormatInt(r.Epoch, 10),
			r.Product,
			formatAmount(r.StartPrice),
			formatAmount(r.EndPrice),
			formatTimeUs(r.EndTime),
			manual,
		)
	}
	table.Render()
	return nil
}

func cmdSettlements(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: settlements <user_id> [limit]")
	}

	var resp struct {
		Settlements []struct {
			OrderIdx  int64  `json:"order_idx"`
			Epoch     int64  `json:"epoch"`
			Product   string `json:"product"`
			WinSide   string `json:"win_side"`
			OverUser  string `json:"over_user"`
			UnderUser string `json:"under_user"`
			WinAmount int64  `json:"win_amount"`
			Fee       int64  `json:"fee"`
			Timestamp int64  `json:"timestamp"`
		} `json:"settlements"`
	}
	if err := c.getJSON("/v1/settlements/"+args[0]+limitQuery(args, 1), &resp); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Epoch", "Order", "Product", "Win Side", "Win Amount", "Fee", "Settled At")
	for _, s := range resp.Settlements {
		table.Append(
			strconv.FormatInt(s.Epoch, 10),
			strconv.FormatInt(s.OrderIdx, 10),
			s.Product,
			s.WinSide,
			formatAmount(s.WinAmount),
			formatAmount(s.Fee),
			formatTimeUs(s.Timestamp),
		)
	}
	table.Render()
	return nil
}

func cmdJournals(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: journals <user_id> [limit]")
	}

	var resp struct {
		Journals []struct {
			Sequence      int64  `json:"sequence"`
			EventRef      string `json:"event_ref"`
			DebitAccount  string `json:"debit_account"`
			CreditAccount string `json:"credit_account"`
			Amount        int64  `json:"amount"`
			JournalType   int32  `json:"journal_type"`
			Timestamp     int64  `json:"timestamp"`
		} `json:"journals"`
	}
	if err := c.getJSON("/v1/journals/"+args[0]+limitQuery(args, 1), &resp); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Seq", "Debit", "Credit", "Amount", "Type", "At")
	for _, j := range resp.Journals {
		table.Append(
			strconv.FormatInt(j.Sequence, 10),
			j.DebitAccount,
			j.CreditAccount,
			formatAmount(j.Amount),
			strconv.FormatInt(int64(j.JournalType), 10),
			formatTimeUs(j.Timestamp),
		)
	}
	table.Render()
	return nil
}

func cmdVault(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: vault <epochs|overview>")
	}

	switch args[0] {
	case "epochs":
		var resp struct {
			Epochs []struct {
				Epoch           int64 `json:"epoch"`
				SharePrice      int64 `json:"share_price"`
				TotalShares     int64 `json:"total_shares"`
				DepositedAssets int64 `json:"deposited_assets"`
				RedeemedShares  int64 `json:"redeemed_shares"`
				Timestamp       int64 `json:"timestamp"`
			} `json:"epochs"`
		}
		if err := c.getJSON("/v1/vault/epochs"+limitQuery(args, 1), &resp); err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Epoch", "Share Price", "Total Shares", "Deposited", "Redeemed Shares", "Settled At")
		for _, e := range resp.Epochs {
			table.Append(
				strconv.FormatInt(e.Epoch, 10),
				formatAmount(e.SharePrice),
				formatAmount(e.TotalShares),
				formatAmount(e.DepositedAssets),
				formatAmount(e.RedeemedShares),
				formatTimeUs(e.Timestamp),
			)
		}
		table.Render()
		return nil

	case "overview":
		var ov struct {
			PoolBalance      int64 `json:"pool_balance"`
			VenueBalance     int64 `json:"venue_balance"`
			LatestEpoch      int64 `json:"latest_epoch"`
			LatestSharePrice int64 `json:"latest_share_price"`
			AsOfSequence     int64 `json:"as_of_sequence"`
		}
		if err := c.getJSON("/v1/vault/overview", &ov); err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("pool balance", formatAmount(ov.PoolBalance))
		table.Append("venue balance", formatAmount(ov.VenueBalance))
		table.Append("latest epoch", strconv.FormatInt(ov.LatestEpoch, 10))
		table.Append("latest share price", formatAmount(ov.LatestSharePrice))
		table.Render()
		fmt.Printf("as of sequence %d\n", ov.AsOfSequence)
		return nil

	default:
		return fmt.Errorf("unknown vault subcommand: %s", args[0])
	}
}

func cmdIntegrity(c *client) error {
	var report struct {
		IsHealthy       bool    `json:"is_healthy"`
		HashChainBreaks []int64 `json:"hash_chain_breaks"`
		GlobalImbalance int64   `json:"global_imbalance"`
	}
	if err := c.getJSON("/v1/admin/integrity", &report); err != nil {
		return err
	}

	if report.IsHealthy {
		fmt.Println("healthy: hash chain intact, global balance sums to zero")
		return nil
	}

	if len(report.HashChainBreaks) > 0 {
		fmt.Printf("hash chain broken at sequences: %v\n", report.HashChainBreaks)
	}
	if report.GlobalImbalance != 0 {
		fmt.Printf("global balance imbalance: %s\n", formatAmount(report.GlobalImbalance))
	}
	return fmt.Errorf("integrity check failed")
}

func cmdStatus(c *client) error {
	var st struct {
		LastSequence  int64 `json:"last_sequence"`
		UptimeSeconds int64 `json:"uptime_seconds"`
	}
	if err := c.getJSON("/v1/admin/eventlog", &st); err != nil {
		return err
	}
	fmt.Printf("last sequence: %d\nuptime: %s\n",
		st.LastSequence, (time.Duration(st.UptimeSeconds) * time.Second).String())
	return nil
}

// --- Admin commands ---

func cmdDeposit(c *client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: deposit <user_id> <amount>")
	}
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount: %v", err)
	}
	return c.post("/v1/admin/inject/deposit", map[string]interface{}{
		"user_id": args[0],
		"amount":  amount,
	})
}

func cmdWithdraw(c *client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: withdraw <user_id> <amount> [delay_seconds]")
	}
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount: %v", err)
	}
	body := map[string]interface{}{
		"user_id": args[0],
		"amount":  amount,
	}
	if len(args) > 2 {
		delay, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid delay_seconds: %v", err)
		}
		body["delay_seconds"] = delay
	}
	return c.post("/v1/admin/inject/withdrawal", body)
}

func cmdGenesis(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: genesis <open|start product=price ...>")
	}

	switch args[0] {
	case "open":
		return c.post("/v1/admin/rounds/genesis/open", nil)

	case "start":
		if len(args) < 2 {
			return fmt.Errorf("usage: genesis start <product>=<price> [...]")
		}
		type pricePair struct {
			Product string `json:"product"`
			Price   int64  `json:"price"`
		}
		var prices []pricePair
		for _, arg := range args[1:] {
			product, priceStr, ok := splitPair(arg)
			if !ok {
				return fmt.Errorf("expected <product>=<price>, got %q", arg)
			}
			price, err := strconv.ParseInt(priceStr, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid price in %q: %v", arg, err)
			}
			prices = append(prices, pricePair{Product: product, Price: price})
		}
		return c.post("/v1/admin/rounds/genesis/start", map[string]interface{}{"prices": prices})

	default:
		return fmt.Errorf("unknown genesis subcommand: %s", args[0])
	}
}

func cmdStrategy(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: strategy <action> [amount]")
	}
	body := map[string]interface{}{"action": args[0]}
	if len(args) > 1 {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount: %v", err)
		}
		body["amount"] = amount
	}
	return c.post("/v1/admin/strategy", body)
}

// --- Formatting helpers ---

func splitPair(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], s[:i] != "" && s[i+1:] != ""
		}
	}
	return "", "", false
}

// formatAmount renders a fixed-point 1e6-scale amount as a decimal.
func formatAmount(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/1_000_000, v%1_000_000)
}

func formatTimeUs(us int64) string {
	if us == 0 {
		return ""
	}
	return time.UnixMicro(us).UTC().Format("2006-01-02 15:04:05")
}

func limitQuery(args []string, idx int) string {
	if len(args) > idx {
		if n, err := strconv.Atoi(args[idx]); err == nil && n > 0 {
			return "?limit=" + strconv.Itoa(n)
		}
	}
	return ""
}

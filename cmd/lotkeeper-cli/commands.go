package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"lotkeeper/internal/domain"
	"lotkeeper/internal/engine"
	"lotkeeper/internal/reconcile"
)

var commands = map[string]func(*app, []string) error{
	"open":      cmdOpen,
	"liquidate": cmdLiquidate,
	"cancel":    cmdCancel,
	"list":      cmdList,
	"sync":      cmdSync,
	"export":    cmdExport,
	"archive":   cmdArchive,
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdOpen(a *app, args []string) error {
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	symbol := fs.String("symbol", "", "ticker symbol")
	qty := fs.String("qty", "", "quantity")
	posType := fs.String("type", "long", "position type: long or short")
	tif := fs.String("tif", "day", "time in force: day or gtc")
	limit := fs.String("limit", "", "limit entry price (market if empty)")
	target := fs.String("target", "", "take-profit price (bracket)")
	stop := fs.String("stop", "", "stop-loss price (bracket)")
	bucket := fs.Int64("bucket", 0, "bucket id (0 for none)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := engine.OpenRequest{
		Symbol:       strings.ToUpper(*symbol),
		PositionType: domain.PositionType(*posType),
		TimeInForce:  domain.TimeInForce(*tif),
	}
	var err error
	if req.Qty, err = decimal.NewFromString(*qty); err != nil {
		return fmt.Errorf("-qty: %w", err)
	}
	if req.LimitPrice, err = optionalDecimal("limit", *limit); err != nil {
		return err
	}
	if req.TargetPrice, err = optionalDecimal("target", *target); err != nil {
		return err
	}
	if req.StopPrice, err = optionalDecimal("stop", *stop); err != nil {
		return err
	}
	if *bucket != 0 {
		req.BucketID = bucket
	}

	ctx, cancel := signalContext()
	defer cancel()

	lot, err := a.engine.OpenLot(ctx, req)
	if lot != nil {
		printLots(os.Stdout, []domain.Lot{*lot})
	}
	return err
}

func cmdLiquidate(a *app, args []string) error {
	id, err := lotIDArg("liquidate", args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	lot, err := a.engine.Liquidate(ctx, id)
	if err != nil {
		return err
	}
	printLots(os.Stdout, []domain.Lot{*lot})
	return nil
}

func cmdCancel(a *app, args []string) error {
	id, err := lotIDArg("cancel", args)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	lot, err := a.engine.Cancel(ctx, id)
	if err != nil {
		return err
	}
	printLots(os.Stdout, []domain.Lot{*lot})
	return nil
}

func cmdList(a *app, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	page := fs.Int("page", 0, "page number, starting at 0")
	limit := fs.Int("limit", 50, "lots per page")
	showCanceled := fs.Bool("canceled", false, "include canceled lots")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lots, err := a.lots.List(context.Background(), *page, *limit, *showCanceled)
	if err != nil {
		return err
	}
	printLots(os.Stdout, lots)
	return nil
}

func cmdSync(a *app, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sum, err := a.sched.SyncOnce(ctx, reconcile.PathStartup)
	if err != nil {
		return err
	}
	fmt.Printf("checked %d, changed %d, canceled %d, failed %d\n",
		sum.Checked, sum.Changed, sum.Canceled, sum.Failed)
	if sum.Failed > 0 {
		return fmt.Errorf("%d lots could not be reconciled", sum.Failed)
	}
	return nil
}

func cmdExport(a *app, _ []string) error {
	ctx := context.Background()
	lots, err := a.lots.ListTerminal(ctx)
	if err != nil {
		return err
	}
	if err := a.archive.WriteLots(ctx, lots); err != nil {
		return err
	}
	fmt.Printf("archived %d lots to %s\n", len(lots), a.cfg.Storage.DataDir)
	return nil
}

func cmdArchive(a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: archive <YYYY-MM>")
	}
	lots, err := a.archive.ReadLots(context.Background(), args[0])
	if err != nil {
		return err
	}
	printLots(os.Stdout, lots)
	return nil
}

func lotIDArg(cmd string, args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("usage: %s <lot-id>", cmd)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("lot id %q: %w", args[0], err)
	}
	return id, nil
}

func optionalDecimal(name, v string) (*decimal.Decimal, error) {
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("-%s: %w", name, err)
	}
	return &d, nil
}

func printLots(w io.Writer, lots []domain.Lot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSYMBOL\tTYPE\tQTY\tSTATUS\tBROKER\tFILLED\tAVG\tCOST\tDISPOSED\tREASON\tCLOSE")
	for i := range lots {
		l := &lots[i]
		disposed := "-"
		if l.DisposedAt != nil {
			disposed = l.DisposedAt.Local().Format("01-02 15:04")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			l.ID,
			l.CreatedAt.Local().Format("2006-01-02 15:04"),
			l.Symbol,
			l.PositionType,
			l.Qty,
			l.Status,
			orDash(string(l.BrokerStatus)),
			l.FilledQty,
			decimalOrDash(l.FilledAvgPrice),
			decimalOrDash(l.CostBasis),
			disposed,
			orDash(string(l.DisposeReason)),
			decimalOrDash(l.DisposedFillPrice),
		)
	}
	tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func decimalOrDash(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}

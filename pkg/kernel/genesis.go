package kernel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agora-labs/agora/pkg/artifacts"
	"github.com/agora-labs/agora/pkg/scrip"
)

// Genesis principals. All live in the reserved genesis_ namespace; the
// treasury additionally serves as the UBI remainder sink.
const (
	GenesisTreasury = "genesis_treasury"
	GenesisBank     = "genesis_bank"
	GenesisEscrow   = "genesis_escrow"
)

// EscrowListingFee is the flat fee the escrow charges to take custody of
// an artifact. Paid up front; not refunded if the listing never sells.
const EscrowListingFee = 20

type escrowListing struct {
	Seller string `json:"seller"`
	Price  int64  `json:"price"`
}

// escrowBook is the escrow artifact's content: open listings plus sale
// proceeds awaiting claim by their sellers.
type escrowBook struct {
	Listings map[string]escrowListing `json:"listings"`
	Proceeds map[string]int64         `json:"proceeds"`
}

// bootstrapGenesis registers the genesis principals, seeds configured
// agents, and installs the bank and escrow handler artifacts. Idempotent
// against a restored store: existing artifacts are left alone but
// handlers are always re-registered (handlers are code, not state).
func (w *World) bootstrapGenesis() error {
	w.ledger.Register(GenesisTreasury, false)
	w.ledger.Register(GenesisBank, false)
	w.ledger.Register(GenesisEscrow, false)

	for _, g := range w.cfg.Genesis {
		w.ledger.Register(g.ID, g.Standing())
		if g.Balance > 0 {
			if err := w.ledger.Credit(g.ID, g.Balance); err != nil {
				return fmt.Errorf("kernel: seed %s: %w", g.ID, err)
			}
		}
		if g.CPUSeconds > 0 {
			w.ledger.SetResource(g.ID, scrip.ResourceCPU, g.CPUSeconds)
		}
		if !w.store.HasRecord(g.ID) {
			if _, _, err := w.store.Write(artifacts.WriteRequest{
				ID:          g.ID,
				Type:        artifacts.TypeAgent,
				Caller:      g.ID,
				HasStanding: true,
				CanExecute:  true,
			}); err != nil {
				return fmt.Errorf("kernel: agent artifact %s: %w", g.ID, err)
			}
		}
	}

	if err := w.writeGenesisArtifact(GenesisTreasury, "Holds UBI remainders and voided funds.", nil); err != nil {
		return err
	}
	if err := w.writeGenesisArtifact(GenesisBank, "Scrip accounting services.", map[string]artifacts.MethodSpec{
		"balance":  {Description: "Balance of the caller, or of args[0] when given."},
		"transfer": {Description: "Move scrip from the caller: transfer(to, amount)."},
	}); err != nil {
		return err
	}
	if err := w.writeGenesisArtifact(GenesisEscrow, "Artifact resale with held proceeds.", map[string]artifacts.MethodSpec{
		"list":     {Description: "Hand an artifact to escrow at a price: list(artifact_id, price)."},
		"purchase": {Description: "Buy a listed artifact: purchase(artifact_id)."},
		"claim":    {Description: "Collect accumulated sale proceeds."},
		"listings": {Description: "Open listings."},
	}); err != nil {
		return err
	}

	w.registerBankHandlers()
	w.registerEscrowHandlers()
	return nil
}

func (w *World) writeGenesisArtifact(id, description string, methods map[string]artifacts.MethodSpec) error {
	if w.store.HasRecord(id) {
		return nil
	}
	req := artifacts.WriteRequest{
		ID:              id,
		Type:            artifacts.TypeExecutable,
		Content:         description,
		Executable:      methods != nil,
		Caller:          artifacts.DefaultKernelPrincipal,
		KernelProtected: true,
	}
	if id == GenesisTreasury {
		req.Type = artifacts.TypeData
	}
	if methods != nil {
		req.Interface = &artifacts.Interface{Methods: methods}
	}
	if _, _, err := w.store.Write(req); err != nil {
		return fmt.Errorf("kernel: genesis artifact %s: %w", id, err)
	}
	return nil
}

func (w *World) registerBankHandlers() {
	w.handlers.Register(GenesisBank, "balance", func(_ context.Context, caller string, args []interface{}) (interface{}, error) {
		principal := caller
		if len(args) > 0 {
			p, err := argString(args, 0, "principal")
			if err != nil {
				return nil, err
			}
			principal = p
		}
		return map[string]interface{}{
			"principal": principal,
			"balance":   w.ledger.Balance(principal),
		}, nil
	})

	w.handlers.Register(GenesisBank, "transfer", func(_ context.Context, caller string, args []interface{}) (interface{}, error) {
		to, err := argString(args, 0, "to")
		if err != nil {
			return nil, err
		}
		amount, err := argInt64(args, 1, "amount")
		if err != nil {
			return nil, err
		}
		if to == caller {
			return nil, fmt.Errorf("cannot transfer to self")
		}
		if err := w.ledger.Transfer(caller, to, amount); err != nil {
			return nil, err
		}
		return map[string]interface{}{"from": caller, "to": to, "amount": amount}, nil
	})
}

func (w *World) registerEscrowHandlers() {
	w.handlers.Register(GenesisEscrow, "list", func(_ context.Context, caller string, args []interface{}) (interface{}, error) {
		artifactID, err := argString(args, 0, "artifact_id")
		if err != nil {
			return nil, err
		}
		price, err := argInt64(args, 1, "price")
		if err != nil {
			return nil, err
		}
		if price <= 0 {
			return nil, fmt.Errorf("price must be positive, got %d", price)
		}

		art, err := w.store.Get(artifactID)
		if err != nil {
			return nil, err
		}
		if art.Deleted {
			return nil, fmt.Errorf("artifact %s is deleted", artifactID)
		}
		if art.Controller() != caller {
			return nil, fmt.Errorf("%s does not control %s", caller, artifactID)
		}

		book, err := w.loadEscrowBook()
		if err != nil {
			return nil, err
		}
		if _, dup := book.Listings[artifactID]; dup {
			return nil, fmt.Errorf("artifact %s is already listed", artifactID)
		}

		if err := w.ledger.Transfer(caller, GenesisEscrow, EscrowListingFee); err != nil {
			return nil, fmt.Errorf("listing fee: %w", err)
		}
		if err := w.store.TransferOwnership(artifactID, caller, GenesisEscrow); err != nil {
			// Undo the fee; the artifact never changed hands.
			_ = w.ledger.Transfer(GenesisEscrow, caller, EscrowListingFee)
			return nil, err
		}
		book.Listings[artifactID] = escrowListing{Seller: caller, Price: price}
		if err := w.saveEscrowBook(book); err != nil {
			return nil, err
		}
		return map[string]interface{}{"artifact_id": artifactID, "price": price, "fee": int64(EscrowListingFee)}, nil
	})

	w.handlers.Register(GenesisEscrow, "purchase", func(_ context.Context, caller string, args []interface{}) (interface{}, error) {
		artifactID, err := argString(args, 0, "artifact_id")
		if err != nil {
			return nil, err
		}
		book, err := w.loadEscrowBook()
		if err != nil {
			return nil, err
		}
		listing, ok := book.Listings[artifactID]
		if !ok {
			return nil, fmt.Errorf("artifact %s is not listed", artifactID)
		}
		if caller == listing.Seller {
			return nil, fmt.Errorf("seller cannot buy their own listing")
		}

		if err := w.ledger.Transfer(caller, GenesisEscrow, listing.Price); err != nil {
			return nil, fmt.Errorf("purchase price: %w", err)
		}
		if err := w.store.TransferOwnership(artifactID, GenesisEscrow, caller); err != nil {
			_ = w.ledger.Transfer(GenesisEscrow, caller, listing.Price)
			return nil, err
		}
		delete(book.Listings, artifactID)
		book.Proceeds[listing.Seller] += listing.Price
		if err := w.saveEscrowBook(book); err != nil {
			return nil, err
		}

		w.appendEvent("artifact_purchased", map[string]interface{}{
			"artifact_id": artifactID,
			"buyer":       caller,
			"seller":      listing.Seller,
			"price":       listing.Price,
		})
		return map[string]interface{}{
			"artifact_id": artifactID,
			"seller":      listing.Seller,
			"price":       listing.Price,
		}, nil
	})

	w.handlers.Register(GenesisEscrow, "claim", func(_ context.Context, caller string, _ []interface{}) (interface{}, error) {
		book, err := w.loadEscrowBook()
		if err != nil {
			return nil, err
		}
		amount := book.Proceeds[caller]
		if amount == 0 {
			return map[string]interface{}{"claimed": int64(0)}, nil
		}
		if err := w.ledger.Transfer(GenesisEscrow, caller, amount); err != nil {
			return nil, err
		}
		delete(book.Proceeds, caller)
		if err := w.saveEscrowBook(book); err != nil {
			return nil, err
		}
		return map[string]interface{}{"claimed": amount}, nil
	})

	w.handlers.Register(GenesisEscrow, "listings", func(_ context.Context, _ string, _ []interface{}) (interface{}, error) {
		book, err := w.loadEscrowBook()
		if err != nil {
			return nil, err
		}
		out := make(map[string]interface{}, len(book.Listings))
		for id, l := range book.Listings {
			out[id] = map[string]interface{}{"seller": l.Seller, "price": l.Price}
		}
		return out, nil
	})
}

func (w *World) loadEscrowBook() (*escrowBook, error) {
	art, err := w.store.Get(GenesisEscrow)
	if err != nil {
		return nil, fmt.Errorf("escrow: %w", err)
	}
	book := &escrowBook{}
	if art.Content != "" {
		if err := json.Unmarshal([]byte(art.Content), book); err != nil {
			// Genesis description content from bootstrap; start fresh.
			book = &escrowBook{}
		}
	}
	if book.Listings == nil {
		book.Listings = make(map[string]escrowListing)
	}
	if book.Proceeds == nil {
		book.Proceeds = make(map[string]int64)
	}
	return book, nil
}

func (w *World) saveEscrowBook(book *escrowBook) error {
	raw, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("escrow: encode book: %w", err)
	}
	content := string(raw)
	if _, err := w.store.ModifyProtectedContent(GenesisEscrow, artifacts.ProtectedPatch{Content: &content}); err != nil {
		return fmt.Errorf("escrow: save book: %w", err)
	}
	return nil
}

func argString(args []interface{}, i int, name string) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := args[i].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", name)
	}
	return s, nil
}

func argInt64(args []interface{}, i int, name string) (int64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	switch v := args[i].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("argument %q must be a whole number", name)
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("argument %q must be an integer", name)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("argument %q must be an integer, got %T", name, args[i])
	}
}

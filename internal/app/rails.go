package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/transfa/disbursement-service/internal/config"
	"github.com/transfa/disbursement-service/internal/domain"
	"github.com/transfa/disbursement-service/pkg/mojaloopclient"
	"github.com/transfa/disbursement-service/pkg/mpesaclient"
)

const (
	RailMpesa    = "mpesa"
	RailMojaloop = "mojaloop"
)

var (
	ErrUnknownRail        = errors.New("unknown payment rail")
	ErrTranslationFailure = errors.New("id translation returned no address")
)

// Translator resolves beneficiary ids to financial addresses, preserving order.
type Translator interface {
	Translate(ctx context.Context, ids []string) ([]string, error)
}

// RailSession carries whatever Authenticate produced for the transfers of one sweep.
type RailSession struct {
	Token string
}

// Rail is one external payment rail. Authenticate is called once per sweep;
// rails without an auth step return an empty session.
type Rail interface {
	Name() string
	Authenticate(ctx context.Context) (RailSession, error)
	Transfer(ctx context.Context, session RailSession, item domain.PaymentItem) error
}

// NewRail builds the rail registered under name. The set of rails is fixed;
// any other name is a configuration error.
func NewRail(name string, cfg config.Config, translator Translator) (Rail, error) {
	if !cfg.RailTranslateIDToFA {
		translator = nil
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case RailMpesa:
		client := mpesaclient.NewClient(cfg.MpesaAuthURL, cfg.MpesaPaymentURL, cfg.MpesaAgentEmail, cfg.MpesaAgentPassword, cfg.MpesaCustomerType, cfg.RailTimeout())
		return NewMpesaRail(client, translator), nil
	case RailMojaloop:
		client := mojaloopclient.NewClient(cfg.MojaloopTransfersURL, cfg.RailTimeout())
		return NewMojaloopRail(client, translator, MojaloopPayer{
			IDType:      cfg.MojaloopPayerIDType,
			IDValue:     cfg.MojaloopPayerIDValue,
			DisplayName: cfg.MojaloopPayerDisplayName,
		}, cfg.MojaloopPayeeIDType, cfg.MojaloopTransferNote), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRail, name)
	}
}

func translateOne(ctx context.Context, translator Translator, id string) (string, error) {
	if translator == nil {
		return id, nil
	}
	addresses, err := translator.Translate(ctx, []string{id})
	if err != nil {
		return "", err
	}
	if len(addresses) != 1 || addresses[0] == "" {
		return "", ErrTranslationFailure
	}
	return addresses[0], nil
}

type mpesaAPI interface {
	Authenticate(ctx context.Context) (string, error)
	Pay(ctx context.Context, token string, req mpesaclient.PaymentRequest) error
}

// MpesaRail pays through the Simple M-Pesa agent API.
type MpesaRail struct {
	client     mpesaAPI
	translator Translator
}

func NewMpesaRail(client mpesaAPI, translator Translator) *MpesaRail {
	return &MpesaRail{client: client, translator: translator}
}

func (r *MpesaRail) Name() string { return RailMpesa }

func (r *MpesaRail) Authenticate(ctx context.Context) (RailSession, error) {
	token, err := r.client.Authenticate(ctx)
	if err != nil {
		return RailSession{}, err
	}
	return RailSession{Token: token}, nil
}

// Transfer sends the whole-unit part of the amount; the agent API has no minor units.
func (r *MpesaRail) Transfer(ctx context.Context, session RailSession, item domain.PaymentItem) error {
	amount, err := decimal.NewFromString(item.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", item.Amount, err)
	}
	fa, err := translateOne(ctx, r.translator, item.PayeeFA)
	if err != nil {
		return fmt.Errorf("translate payee: %w", err)
	}
	return r.client.Pay(ctx, session.Token, mpesaclient.PaymentRequest{
		Amount:    amount.IntPart(),
		AccountNo: mpesaclient.AccountNoFromFA(fa),
	})
}

type mojaloopAPI interface {
	Transfer(ctx context.Context, payload mojaloopclient.TransferRequest) (*mojaloopclient.TransferResponse, error)
}

// MojaloopPayer is the fixed debit party of every Mojaloop transfer.
type MojaloopPayer struct {
	IDType      string
	IDValue     string
	DisplayName string
}

// MojaloopRail pays through a Mojaloop SDK scheme adapter.
type MojaloopRail struct {
	client      mojaloopAPI
	translator  Translator
	payer       MojaloopPayer
	payeeIDType string
	note        string
}

func NewMojaloopRail(client mojaloopAPI, translator Translator, payer MojaloopPayer, payeeIDType, note string) *MojaloopRail {
	return &MojaloopRail{
		client:      client,
		translator:  translator,
		payer:       payer,
		payeeIDType: payeeIDType,
		note:        note,
	}
}

func (r *MojaloopRail) Name() string { return RailMojaloop }

func (r *MojaloopRail) Authenticate(ctx context.Context) (RailSession, error) {
	return RailSession{}, nil
}

func (r *MojaloopRail) Transfer(ctx context.Context, _ RailSession, item domain.PaymentItem) error {
	amount, err := decimal.NewFromString(item.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", item.Amount, err)
	}
	fa, err := translateOne(ctx, r.translator, item.PayeeFA)
	if err != nil {
		return fmt.Errorf("translate payee: %w", err)
	}
	payload := mojaloopclient.NewTransferRequest(
		item.ReferenceID,
		mojaloopclient.Party{IDType: r.payer.IDType, IDValue: r.payer.IDValue, DisplayName: r.payer.DisplayName},
		mojaloopclient.Party{IDType: r.payeeIDType, IDValue: mojaloopclient.PayeeIDFromFA(fa)},
		item.Currency,
		amount,
		r.note,
	)
	_, err = r.client.Transfer(ctx, payload)
	return err
}

package tools

import (
	"context"
	"errors"

	"github.com/openai/openai-go/shared"
)

// Names of the built-in support actions.
const (
	TechnicalSupportManual = "technical_support_manual"
	OrderLookup            = "order_lookup"
	RefundPurchase         = "refund_purchase"
)

// TechnicalSupportArgs are the arguments of technical_support_manual.
type TechnicalSupportArgs struct {
	Product string `json:"product"`
	Problem string `json:"problem"`
}

func (a TechnicalSupportArgs) Validate() error {
	if a.Product == "" || a.Problem == "" {
		return errors.New("product and problem are required")
	}
	return nil
}

// OrderLookupArgs are the arguments of order_lookup.
type OrderLookupArgs struct {
	PurchaserName string `json:"purchaser_name"`
	Product       string `json:"product"`
}

func (a OrderLookupArgs) Validate() error {
	if a.PurchaserName == "" || a.Product == "" {
		return errors.New("purchaser_name and product are required")
	}
	return nil
}

// RefundArgs are the arguments of refund_purchase.
type RefundArgs struct {
	OrderID       string `json:"langcorp_order_id"`
	PurchaserName string `json:"purchaser_name"`
}

func (a RefundArgs) Validate() error {
	if a.OrderID == "" || a.PurchaserName == "" {
		return errors.New("langcorp_order_id and purchaser_name are required")
	}
	return nil
}

func stringProperties(required []string, descriptions map[string]string) shared.FunctionParameters {
	props := make(map[string]interface{}, len(descriptions))
	for name, desc := range descriptions {
		props[name] = map[string]interface{}{
			"type":        "string",
			"description": desc,
		}
	}
	return shared.FunctionParameters{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// NewTechnicalSupportAction answers product questions. The answer is canned.
func NewTechnicalSupportAction() Action {
	return New(TechnicalSupportManual,
		"Answers technical questions about LangCorp products.",
		TierReadOnly,
		stringProperties([]string{"product", "problem"}, map[string]string{
			"product": "The product the user is asking about",
			"problem": "The issue the user is facing",
		}),
		func(ctx context.Context, args TechnicalSupportArgs) (string, error) {
			return "You should try turning it off and then on again.", nil
		},
	)
}

// NewOrderLookupAction answers order questions. The answer is canned.
func NewOrderLookupAction() Action {
	return New(OrderLookup,
		"Answers questions about LangCorp orders.",
		TierReadOnly,
		stringProperties([]string{"purchaser_name", "product"}, map[string]string{
			"purchaser_name": "The name of the person requesting the information",
			"product":        "The product contained in the order",
		}),
		func(ctx context.Context, args OrderLookupArgs) (string, error) {
			return "Your order id is 123456.", nil
		},
	)
}

// NewRefundAction refunds a purchase. It is privileged.
func NewRefundAction() Action {
	return New(RefundPurchase,
		"Refunds a LangCorp purchase. Should only be called after collecting sufficient information.",
		TierPrivileged,
		stringProperties([]string{"langcorp_order_id", "purchaser_name"}, map[string]string{
			"langcorp_order_id": "The LangCorp order id of the purchase",
			"purchaser_name":    "The name of the person who would like the refund",
		}),
		func(ctx context.Context, args RefundArgs) (string, error) {
			return "Refund successfully processed!", nil
		},
	)
}

// DefaultRegistry returns a registry holding the built-in support actions.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(NewTechnicalSupportAction(), NewOrderLookupAction(), NewRefundAction())
	if err != nil {
		// Names are constants and distinct.
		panic(err)
	}
	return r
}

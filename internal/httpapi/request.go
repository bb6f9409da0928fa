package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"order-outbox-service/internal/model"
	"order-outbox-service/internal/usecase"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type createOrderRequest struct {
	CustomerID string              `json:"customerId" validate:"required,max=128"`
	Items      []createItemRequest `json:"items" validate:"required,min=1,dive"`
}

type createItemRequest struct {
	ProductID string          `json:"productId" validate:"required,max=128"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	Price     decimal.Decimal `json:"price" validate:"positive_decimal,cents"`
}

func (r createOrderRequest) itemInputs() []usecase.ItemInput {
	items := make([]usecase.ItemInput, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, usecase.ItemInput{
			ProductID: strings.TrimSpace(it.ProductID),
			Quantity:  it.Quantity,
			Price:     it.Price,
		})
	}
	return items
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		// Registration only fails for an empty tag or nil func.
		_ = v.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
			d, ok := fl.Field().Interface().(decimal.Decimal)
			return ok && d.IsPositive()
		})
		_ = v.RegisterValidation("cents", func(fl validator.FieldLevel) bool {
			d, ok := fl.Field().Interface().(decimal.Decimal)
			return ok && d.Equal(d.Round(model.PriceScale))
		})
		validate = v
	})
	return validate
}

// validateRequest returns one message per invalid field, keyed by its JSON
// path, e.g. "items[0].price".
func validateRequest(req createOrderRequest) map[string]string {
	err := getValidator().Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"body": err.Error()}
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if _, rest, ok := strings.Cut(path, "."); ok {
			path = rest
		}
		fields[path] = describe(fe)
	}
	return fields
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must contain at least %s entries", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "positive_decimal":
		return "must be a positive amount"
	case "cents":
		return fmt.Sprintf("must have at most %d decimal places", model.PriceScale)
	default:
		return "is invalid"
	}
}

type orderItemResponse struct {
	ID        string      `json:"id"`
	ProductID string      `json:"productId"`
	Quantity  int         `json:"quantity"`
	Price     json.Number `json:"price"`
}

type orderResponse struct {
	ID          string              `json:"id"`
	CustomerID  string              `json:"customerId"`
	Items       []orderItemResponse `json:"items"`
	TotalAmount json.Number         `json:"totalAmount"`
	Status      model.OrderStatus   `json:"status"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   *time.Time          `json:"updatedAt"`
}

func newOrderResponse(o *model.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ID:        it.ID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Price:     json.Number(it.Price.StringFixed(2)),
		})
	}
	return orderResponse{
		ID:          o.ID,
		CustomerID:  o.CustomerID,
		Items:       items,
		TotalAmount: json.Number(o.TotalAmount.StringFixed(2)),
		Status:      o.Status,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

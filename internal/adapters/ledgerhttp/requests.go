package ledgerhttp

import (
	"encoding/json"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"exportcore/internal/core"
	"exportcore/pkg/domain"
)

type createLotRequest struct {
	LotNumber     string          `json:"lot_number" validate:"required,max=64"`
	Source        string          `json:"source" validate:"required,oneof=auction direct"`
	Grade         string          `json:"grade" validate:"max=32"`
	WarehouseID   string          `json:"warehouse_id" validate:"max=64"`
	TotalWeightKg decimal.Decimal `json:"total_weight_kg" validate:"required,gt=0"`
}

func (r createLotRequest) intake() core.LotIntake {
	return core.LotIntake{
		LotNumber:     strings.TrimSpace(r.LotNumber),
		Source:        domain.LotSource(r.Source),
		Grade:         r.Grade,
		WarehouseID:   r.WarehouseID,
		TotalWeightKg: r.TotalWeightKg,
	}
}

type createContractRequest struct {
	ContractNumber string          `json:"contract_number" validate:"required,max=64"`
	BuyerID        string          `json:"buyer_id" validate:"required,max=64"`
	QuantityKg     decimal.Decimal `json:"quantity_kg" validate:"required,gt=0"`
}

type allocateRequest struct {
	LotID    string          `json:"lot_id" validate:"required"`
	WeightKg decimal.Decimal `json:"weight_kg" validate:"required,gt=0"`
}

type createShipmentRequest struct {
	ContractID     string   `json:"contract_id" validate:"required"`
	ShipmentNumber string   `json:"shipment_number" validate:"required,max=64"`
	AllocationIDs  []string `json:"allocation_ids" validate:"required,min=1,dive,required"`
}

type advanceShipmentRequest struct {
	Status              string     `json:"status" validate:"required,oneof=planned stuffed cleared on_vessel completed"`
	ActualDepartureDate *time.Time `json:"actual_departure_date"`
}

type adjustStockRequest struct {
	DeltaKg    decimal.Decimal `json:"delta_kg" validate:"required"`
	Reason     string          `json:"reason" validate:"required,max=256"`
	ApprovedBy string          `json:"approved_by" validate:"required,max=64"`
}

// newValidator reports field names by their JSON tag and validates decimals
// through their float value.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// decode reads one JSON document into dst and validates it.
func decode(body io.Reader, v *validator.Validate, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.ErrValidation{Message: "request body is required"}
		}
		return domain.ErrValidation{Message: "malformed JSON: " + err.Error()}
	}
	if err := v.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return domain.ErrValidation{Field: fe.Field(), Message: describe(fe)}
		}
		return domain.ErrValidation{Message: err.Error()}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}

package lifecycle

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/campus-transit/internal/models"
)

// CreateInput carries everything a requester submits. For deliveries
// Origin is the pickup point and Destination the drop-off.
type CreateInput struct {
	Kind         models.Kind
	RequesterID  string
	Origin       string
	Destination  string
	Attributes   map[string]string
	TrafficLevel models.TrafficLevel
}

type commonFields struct {
	RequesterID  string `validate:"required"`
	TrafficLevel string `validate:"oneof=light moderate heavy"`
}

type rideFields struct {
	commonFields
	Origin      string `validate:"required,min=2"`
	Destination string `validate:"required,min=3"`
}

type deliveryFields struct {
	commonFields
	PickupPoint   string `validate:"required,min=2"`
	DeliverTo     string `validate:"required,min=3"`
	Item          string `validate:"omitempty,min=2"`
	OfferFee      string `validate:"required,numeric"`
	MaxExtra      string `validate:"omitempty,numeric"`
	PaymentMethod string `validate:"oneof=upi cod"`
	UpiID         string `validate:"required_if=PaymentMethod upi"`
}

// fieldNames maps struct fields to the names callers submitted.
var fieldNames = map[string]string{
	"RequesterID":   "requesterId",
	"TrafficLevel":  "trafficLevel",
	"Origin":        "origin",
	"Destination":   "destination",
	"PickupPoint":   "pickupPoint",
	"DeliverTo":     "deliverTo",
	"Item":          models.AttrItem,
	"OfferFee":      models.AttrOfferFee,
	"MaxExtra":      models.AttrMaxExtra,
	"PaymentMethod": models.AttrPaymentMethod,
	"UpiID":         models.AttrUpiID,
}

var messages = map[string]string{
	"required":    "is required",
	"required_if": "is required",
	"min":         "is too short",
	"numeric":     "must be a number",
	"oneof":       "is not an allowed value",
}

// normalize trims input, applies defaults and validates it per kind.
func (s *Service) normalize(in CreateInput) (CreateInput, error) {
	in.RequesterID = strings.TrimSpace(in.RequesterID)
	in.Origin = strings.TrimSpace(in.Origin)
	in.Destination = strings.TrimSpace(in.Destination)
	if in.TrafficLevel == "" {
		in.TrafficLevel = s.defaultTraffic
	}
	attrs := make(map[string]string, len(in.Attributes))
	for k, v := range in.Attributes {
		if v = strings.TrimSpace(v); v != "" {
			attrs[k] = v
		}
	}
	in.Attributes = attrs

	var target any
	switch in.Kind {
	case models.KindRide:
		if in.Origin == "" {
			in.Origin = s.defaultRideOrigin
		}
		target = &rideFields{
			commonFields: commonFields{RequesterID: in.RequesterID, TrafficLevel: string(in.TrafficLevel)},
			Origin:       in.Origin,
			Destination:  in.Destination,
		}
	case models.KindDelivery:
		if attrs[models.AttrPaymentMethod] == "" {
			attrs[models.AttrPaymentMethod] = "cod"
		}
		target = &deliveryFields{
			commonFields:  commonFields{RequesterID: in.RequesterID, TrafficLevel: string(in.TrafficLevel)},
			PickupPoint:   in.Origin,
			DeliverTo:     in.Destination,
			Item:          attrs[models.AttrItem],
			OfferFee:      attrs[models.AttrOfferFee],
			MaxExtra:      attrs[models.AttrMaxExtra],
			PaymentMethod: attrs[models.AttrPaymentMethod],
			UpiID:         attrs[models.AttrUpiID],
		}
	default:
		return in, &ValidationError{Fields: map[string]string{"kind": "must be RIDE or DELIVERY"}}
	}

	err := s.validate.Struct(target)
	if err == nil {
		return in, nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return in, err
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		name, ok := fieldNames[fe.StructField()]
		if !ok {
			name = fe.Field()
		}
		msg, ok := messages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		out.Fields[name] = msg
	}
	return in, out
}

package market

import (
	"fmt"
	"strconv"
)

// DefaultRejectionReason is used when an admin rejects an organization
// without an explicit reason.
const DefaultRejectionReason = "Your organization did not meet the verification requirements. Contact support for details."

// Content is the rendered notification body for one event, identical for
// every recipient of that event.
type Content struct {
	Type        NotificationType
	Title       string
	Message     string
	RFQID       string
	QuotationID string
	Meta        map[string]string
}

// Render maps a domain event onto notification content. Recipient selection
// lives with the store implementations; wording lives here so both produce
// identical rows.
func Render(event Event) (Content, error) {
	switch e := event.(type) {
	case NewRFQ:
		return Content{
			Type:    NotificationRFQPosted,
			Title:   "New RFQ: " + e.ProductName,
			Message: fmt.Sprintf("%s requested quotations for %s.", e.HospitalName, e.ProductName),
			RFQID:   e.RFQID,
			Meta: map[string]string{
				"hospital_name": e.HospitalName,
				"product_name":  e.ProductName,
				"category_id":   e.CategoryID,
			},
		}, nil
	case QuotationSubmitted:
		return Content{
			Type:        NotificationQuotationReceived,
			Title:       "New quotation for " + e.ProductName,
			Message:     fmt.Sprintf("%s submitted a quotation for %s at %d.", e.SupplierName, e.ProductName, e.TotalPrice),
			RFQID:       e.RFQID,
			QuotationID: e.QuotationID,
			Meta: map[string]string{
				"supplier_name": e.SupplierName,
				"product_name":  e.ProductName,
				"total_price":   strconv.FormatInt(e.TotalPrice, 10),
			},
		}, nil
	case QuotationStatusChanged:
		c := Content{
			QuotationID: e.QuotationID,
			Meta: map[string]string{
				"hospital_name": e.HospitalName,
				"product_name":  e.ProductName,
			},
		}
		switch e.Status {
		case QuotationAccepted:
			c.Type = NotificationQuotationAccepted
			c.Title = "Quotation accepted"
			c.Message = fmt.Sprintf("%s accepted your quotation for %s.", e.HospitalName, e.ProductName)
		case QuotationRejected:
			c.Type = NotificationQuotationRejected
			c.Title = "Quotation rejected"
			c.Message = fmt.Sprintf("%s rejected your quotation for %s.", e.HospitalName, e.ProductName)
		default:
			return Content{}, fmt.Errorf("%w: quotation status %q", ErrInvalidInput, e.Status)
		}
		return c, nil
	case VerificationDecided:
		c := Content{
			Meta: map[string]string{"organization_name": e.OrganizationName},
		}
		switch e.Outcome {
		case StatusApproved:
			c.Type = NotificationVerificationApproved
			c.Title = "Account approved"
			c.Message = fmt.Sprintf("%s has been approved. You can now use the marketplace.", e.OrganizationName)
		case StatusRejected:
			reason := e.Reason
			if reason == "" {
				reason = DefaultRejectionReason
			}
			c.Type = NotificationVerificationRejected
			c.Title = "Account rejected"
			c.Message = fmt.Sprintf("%s was rejected: %s", e.OrganizationName, reason)
		default:
			return Content{}, fmt.Errorf("%w: verification outcome %q", ErrInvalidInput, e.Outcome)
		}
		return c, nil
	case CreditsPurchased:
		return Content{
			Type:    NotificationCreditsPurchased,
			Title:   "Credits purchased",
			Message: fmt.Sprintf("%d credits from package %s were added. New balance: %d.", e.Credits, e.PackageName, e.NewBalance),
			Meta: map[string]string{
				"package_name": e.PackageName,
				"credits":      strconv.FormatInt(e.Credits, 10),
				"new_balance":  strconv.FormatInt(e.NewBalance, 10),
			},
		}, nil
	default:
		return Content{}, fmt.Errorf("%w: unknown event %T", ErrInvalidInput, event)
	}
}

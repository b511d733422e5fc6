package model

import "fmt"

// IssueStatus описывает состояние задачи.
type IssueStatus int

const (
	IssueStatusOpen IssueStatus = iota + 1
	IssueStatusAssigned
	IssueStatusCompleted
)

var issueStatusNames = map[IssueStatus]string{
	IssueStatusOpen:      "OPEN",
	IssueStatusAssigned:  "ASSIGNED",
	IssueStatusCompleted: "COMPLETED",
}

func (s IssueStatus) String() string {
	if name, ok := issueStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("IssueStatus(%d)", int(s))
}

// ParseIssueStatus возвращает статус задачи по его строковому имени.
func ParseIssueStatus(s string) (IssueStatus, error) {
	for status, name := range issueStatusNames {
		if name == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown issue status %q", s)
}

// SponsorshipStatus описывает состояние обещания.
type SponsorshipStatus int

const (
	SponsorshipStatusPledged SponsorshipStatus = iota + 1
	SponsorshipStatusConfirmed
)

var sponsorshipStatusNames = map[SponsorshipStatus]string{
	SponsorshipStatusPledged:   "PLEDGED",
	SponsorshipStatusConfirmed: "CONFIRMED",
}

func (s SponsorshipStatus) String() string {
	if name, ok := sponsorshipStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SponsorshipStatus(%d)", int(s))
}

// ParseSponsorshipStatus возвращает статус обещания по его строковому имени.
func ParseSponsorshipStatus(s string) (SponsorshipStatus, error) {
	for status, name := range sponsorshipStatusNames {
		if name == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown sponsorship status %q", s)
}

// PaymentStatus описывает состояние платежа.
type PaymentStatus int

const (
	PaymentStatusCreated PaymentStatus = iota + 1
	PaymentStatusConfirmed
)

var paymentStatusNames = map[PaymentStatus]string{
	PaymentStatusCreated:   "CREATED",
	PaymentStatusConfirmed: "CONFIRMED",
}

func (s PaymentStatus) String() string {
	if name, ok := paymentStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("PaymentStatus(%d)", int(s))
}

// ParsePaymentStatus возвращает статус платежа по его строковому имени.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	for status, name := range paymentStatusNames {
		if name == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown payment status %q", s)
}

// Gateway описывает платёжный шлюз.
type Gateway int

const (
	// GatewayPlain имитирует прямое списание с карты без внешнего вызова.
	GatewayPlain Gateway = iota + 1
	// GatewayPayPal делегирует подтверждение платежа PayPal.
	GatewayPayPal
)

var gatewayNames = map[Gateway]string{
	GatewayPlain:  "PLAIN",
	GatewayPayPal: "PAYPAL",
}

func (g Gateway) String() string {
	if name, ok := gatewayNames[g]; ok {
		return name
	}
	return fmt.Sprintf("Gateway(%d)", int(g))
}

// ParseGateway возвращает шлюз по его строковому имени.
func ParseGateway(s string) (Gateway, error) {
	for gateway, name := range gatewayNames {
		if name == s {
			return gateway, nil
		}
	}
	return 0, fmt.Errorf("unknown gateway %q", s)
}

// Gateways возвращает все известные шлюзы.
func Gateways() []Gateway {
	return []Gateway{GatewayPlain, GatewayPayPal}
}

// Package validation содержит проверки реквизитов прямого платежа.
package validation

import "regexp"

// TestCardNumber единственный номер карты, который принимает прямой шлюз.
const TestCardNumber = "4111111111111111"

var expiryPattern = regexp.MustCompile(`^(0[1-9]|1[0-2])/[0-9]{2}$`)

// IsAcceptedCard сообщает, совпадает ли номер с тестовым.
func IsAcceptedCard(number string) bool {
	return number == TestCardNumber
}

// IsValidExpiry проверяет срок действия карты в формате MM/YY.
func IsValidExpiry(expiry string) bool {
	return expiryPattern.MatchString(expiry)
}

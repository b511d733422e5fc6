// Package model содержит доменные сущности сервиса bountyfunding.
package model

import "time"

// DefaultProjectID идентификатор проекта, с которым работает API.
const DefaultProjectID int64 = 1

// Issue описывает задачу трекера, на которую спонсоры обещают деньги.
type Issue struct {
	ID        int64
	ProjectID int64
	Ref       string
	Status    IssueStatus
	CreatedAt time.Time
}

// User описывает спонсора в рамках проекта.
type User struct {
	ID        int64
	ProjectID int64
	Name      string
	CreatedAt time.Time
}

// Sponsorship описывает обещание одного пользователя по одной задаче.
type Sponsorship struct {
	ID        int64
	IssueID   int64
	UserID    int64
	UserName  string
	Amount    int
	Status    SponsorshipStatus
	CreatedAt time.Time
}

// Payment описывает одну попытку оплатить обещание через платёжный шлюз.
type Payment struct {
	ID               int64
	SponsorshipID    int64
	Gateway          Gateway
	GatewayReference string
	RedirectURL      string
	Status           PaymentStatus
	CreatedAt        time.Time
}

// Email описывает уведомление, ожидающее забора трекером.
type Email struct {
	ID              int64
	ProjectID       int64
	RecipientUserID int64
	Recipient       string
	Subject         string
	Body            string
	CreatedAt       time.Time
}

// ClampAmount приводит сумму обещания к неотрицательному значению.
func ClampAmount(amount int) int {
	if amount < 0 {
		return 0
	}
	return amount
}

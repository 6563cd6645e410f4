package domain

import "errors"

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidName         = errors.New("invalid_tax_name")
	ErrInvalidID           = errors.New("invalid_tax_definition_id")
	ErrNotFound            = errors.New("tax_definition_not_found")
	ErrInvalidTaxCode      = errors.New("invalid_tax_code")
	ErrInvalidTaxMode      = errors.New("invalid_tax_mode")
	// ErrInvalidTaxRate covers rates outside [0, 1].
	ErrInvalidTaxRate = errors.New("invalid_tax_rate")
	// ErrDuplicateTaxCode is returned when an enabled definition of the org
	// already uses the code.
	ErrDuplicateTaxCode = errors.New("duplicate_tax_code")
)

package main

//go:generate swag init -g cmd/autopilot/main.go -o docs

// @title           Sherpa Autopilot API
// @version         0.1.0
// @description     Recurring on-chain strategies under session keys, risk limits and a global kill switch.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

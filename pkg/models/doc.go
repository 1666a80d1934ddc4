// Package models contains shared data models used across the simulation console.
package models
